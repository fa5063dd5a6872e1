package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Sessions
	mux.HandleFunc("/api/sessions/upload", s.app.SessionHandler.UploadHandler) // POST - create session from files
	mux.HandleFunc("/api/sessions", s.handleSessionsRoute)                     // GET - list sessions for a user
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)                    // GET/DELETE /{id} and subpaths

	// Signed blob downloads (per-page artifacts referenced from job rows)
	mux.HandleFunc("/files/", s.app.FilesHandler.ServeFileHandler)

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// API routes - Logs
	mux.HandleFunc("/api/logs/recent", s.app.WSHandler.GetRecentLogsHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleSessionsRoute routes /api/sessions requests (collection level)
func (s *Server) handleSessionsRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet: s.app.SessionHandler.ListSessionsHandler,
	})
}

// handleSessionRoutes routes /api/sessions/{id} requests and subpaths
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch r.Method {
	case http.MethodGet:
		switch {
		case strings.HasSuffix(path, "/status"):
			// GET /api/sessions/{id}/status - compact poll response
			s.app.SessionHandler.GetSessionStatusHandler(w, r)
		case strings.HasSuffix(path, "/download"):
			// GET /api/sessions/{id}/download - streams the archive
			s.app.SessionHandler.DownloadHandler(w, r)
		case strings.HasSuffix(path, "/jobs"):
			// GET /api/sessions/{id}/jobs - per-page job list
			s.app.SessionHandler.ListSessionJobsHandler(w, r)
		default:
			// GET /api/sessions/{id} - full session view
			s.app.SessionHandler.GetSessionHandler(w, r)
		}
	case http.MethodDelete:
		// DELETE /api/sessions/{id} - cancel
		s.app.SessionHandler.CancelSessionHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
