// -----------------------------------------------------------------------
// Session Handler - upload, status, download and cancel surface
// -----------------------------------------------------------------------

package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/storage/blob"
)

// SessionHandler exposes the session pipeline over HTTP. It is a thin layer:
// validation beyond transport concerns lives in the coordinator.
type SessionHandler struct {
	config      *common.Config
	coordinator interfaces.SessionCoordinator
	packager    interfaces.Packager
	logger      arbor.ILogger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(config *common.Config, coordinator interfaces.SessionCoordinator, packager interfaces.Packager, logger arbor.ILogger) *SessionHandler {
	return &SessionHandler{
		config:      config,
		coordinator: coordinator,
		packager:    packager,
		logger:      logger,
	}
}

// UploadResponse is the wire shape of a successful upload.
type UploadResponse struct {
	SessionID  string        `json:"sessionId"`
	Status     string        `json:"status"`
	TotalFiles int           `json:"totalFiles"`
	TotalPages int           `json:"totalPages"`
	Jobs       []*models.Job `json:"jobs"`
}

// SessionPollResponse is the compact view served to status pollers.
type SessionPollResponse struct {
	SessionID      string `json:"sessionId"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	ProcessedPages int    `json:"processedPages"`
	TotalPages     int    `json:"totalPages"`
	CompletedJobs  int    `json:"completedJobs"`
	FailedJobs     int    `json:"failedJobs"`
	UserCredits    int    `json:"userCredits"`
	ZipURL         string `json:"zipUrl,omitempty"`
	Error          string `json:"error,omitempty"`
}

// UploadHandler creates a session from a multipart batch.
// POST /api/sessions/upload
//
// The per-file size cap is enforced here while parts stream in, so an
// oversized upload is rejected with 413 before the body finishes.
func (h *SessionHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()
	userID := userIDFromRequest(r)

	maxSize := h.config.Session.MaxFileSize
	maxFiles := h.config.Session.MaxFilesPerSession

	// Bound the whole body: every file at its cap plus form overhead.
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxFiles)*maxSize+1<<20)

	reader, err := r.MultipartReader()
	if err != nil {
		WriteError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	var files []interfaces.UploadFile
	modelID := ""

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			WriteError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}

		name := part.FileName()
		if name == "" {
			if field := part.FormName(); field == "modelId" || field == "model_id" {
				value, _ := io.ReadAll(io.LimitReader(part, 256))
				modelID = strings.TrimSpace(string(value))
			}
			part.Close()
			continue
		}

		if len(files) >= maxFiles {
			part.Close()
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("too many files: limit is %d per session", maxFiles))
			return
		}

		data, err := io.ReadAll(io.LimitReader(part, maxSize+1))
		contentType := part.Header.Get("Content-Type")
		part.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("failed to read file %s", name))
			return
		}
		if int64(len(data)) > maxSize {
			WriteError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file %s exceeds the size limit of %d bytes", name, maxSize))
			return
		}

		files = append(files, interfaces.UploadFile{
			Name:        name,
			ContentType: contentType,
			Data:        data,
		})
	}

	session, jobs, err := h.coordinator.Create(ctx, userID, files, modelID)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("Upload rejected")
		WriteKindError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, UploadResponse{
		SessionID:  session.ID,
		Status:     string(session.Status),
		TotalFiles: session.TotalFiles,
		TotalPages: session.TotalPages,
		Jobs:       jobs,
	})
}

// GetSessionHandler returns the full aggregated view of one session.
// GET /api/sessions/{id}
func (h *SessionHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	sessionID := pathSegment(r.URL.Path, 2)
	if sessionID == "" {
		WriteError(w, http.StatusBadRequest, "session ID is required")
		return
	}

	view, err := h.coordinator.GetStatus(r.Context(), sessionID)
	if err != nil {
		WriteKindError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, view)
}

// GetSessionStatusHandler returns the compact polling view.
// GET /api/sessions/{id}/status
func (h *SessionHandler) GetSessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	sessionID := pathSegment(r.URL.Path, 2)
	view, err := h.coordinator.GetStatus(r.Context(), sessionID)
	if err != nil {
		WriteKindError(w, err)
		return
	}

	session := view.Session
	WriteJSON(w, http.StatusOK, SessionPollResponse{
		SessionID:      session.ID,
		Status:         string(session.Status),
		Progress:       view.Progress,
		ProcessedPages: session.ProcessedPages,
		TotalPages:     session.TotalPages,
		CompletedJobs:  view.CompletedJobs,
		FailedJobs:     view.FailedJobs,
		UserCredits:    view.UserCredits,
		ZipURL:         session.ZipURL,
		Error:          session.Error,
	})
}

// DownloadHandler streams the session archive.
// GET /api/sessions/{id}/download
//
// 410 once the retention window has lapsed, 404 until the session reaches
// COMPLETED. The archive is assembled straight onto the response writer.
func (h *SessionHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	sessionID := pathSegment(r.URL.Path, 2)
	view, err := h.coordinator.GetStatus(ctx, sessionID)
	if err != nil {
		WriteKindError(w, err)
		return
	}

	session := view.Session
	if session.Status == models.SessionStatusExpired {
		WriteError(w, http.StatusGone, "session has expired")
		return
	}
	if session.Status != models.SessionStatusCompleted {
		WriteError(w, http.StatusNotFound,
			fmt.Sprintf("session is %s; the archive is available once it is COMPLETED", session.Status))
		return
	}

	filename := path.Base(blob.ExportPath(session.UserID, session.ID, blob.Timestamp(time.Now().UTC())))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := h.packager.WriteArchive(ctx, sessionID, w); err != nil {
		// Headers are already on the wire; the truncated stream is the signal.
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Archive stream failed")
		return
	}

	h.logger.Info().Str("session_id", sessionID).Str("file", filename).Msg("Archive downloaded")
}

// CancelSessionHandler cancels a session. Terminal sessions answer success
// without changing anything, so retries are safe.
// DELETE /api/sessions/{id}
func (h *SessionHandler) CancelSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := pathSegment(r.URL.Path, 2)
	if sessionID == "" {
		WriteError(w, http.StatusBadRequest, "session ID is required")
		return
	}

	if err := h.coordinator.Cancel(r.Context(), sessionID); err != nil {
		WriteKindError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"message":    "Session cancelled",
	})
}

// ListSessionsHandler returns the caller's sessions, newest first.
// GET /api/sessions?userId=
func (h *SessionHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = userIDFromRequest(r)
	}

	sessions, err := h.coordinator.ListSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list sessions")
		WriteKindError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// ListSessionJobsHandler returns every job row of a session, parents first.
// GET /api/sessions/{id}/jobs
func (h *SessionHandler) ListSessionJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	sessionID := pathSegment(r.URL.Path, 2)
	jobs, err := h.coordinator.ListJobs(r.Context(), sessionID)
	if err != nil {
		WriteKindError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"jobs":       jobs,
		"count":      len(jobs),
	})
}
