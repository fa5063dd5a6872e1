// -----------------------------------------------------------------------
// Files Handler - redeems signed blob URLs issued by the store
// -----------------------------------------------------------------------

package handlers

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/storage/blob"
)

// FilesHandler serves blobs behind the HMAC tokens minted by SignedURL.
// The token is the only credential: a valid signature grants exactly the
// embedded path until the embedded expiry.
type FilesHandler struct {
	store  *blob.FileSystemStore
	logger arbor.ILogger
}

// NewFilesHandler creates a new files handler
func NewFilesHandler(store *blob.FileSystemStore, logger arbor.ILogger) *FilesHandler {
	return &FilesHandler{
		store:  store,
		logger: logger,
	}
}

// ServeFileHandler resolves a signed token and streams the blob.
// GET /files/{token}
func (h *FilesHandler) ServeFileHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	token := pathSegment(r.URL.Path, 1)
	if token == "" {
		WriteError(w, http.StatusBadRequest, "download token is required")
		return
	}

	blobPath, err := h.store.Signer().Verify(token)
	if err != nil {
		if models.IsKind(err, models.ErrInvalidInput) {
			WriteError(w, http.StatusForbidden, "invalid download token")
			return
		}
		WriteKindError(w, err)
		return
	}

	data, err := h.store.Get(r.Context(), blobPath)
	if err != nil {
		// A valid token for a vanished blob means cleanup got there first.
		if models.IsKind(err, models.ErrNotFound) {
			WriteError(w, http.StatusGone, "blob no longer exists")
			return
		}
		h.logger.Error().Err(err).Str("path", blobPath).Msg("Failed to read blob for signed URL")
		WriteKindError(w, err)
		return
	}

	name := path.Base(blobPath)
	w.Header().Set("Content-Type", contentTypeFor(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(data)
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
