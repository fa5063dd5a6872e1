package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/storage/blob"
)

func newFilesEnv(t *testing.T) (*FilesHandler, *blob.FileSystemStore) {
	t.Helper()
	logger := arbor.NewLogger()
	store, err := blob.NewFileSystemStore(&common.BlobConfig{Root: t.TempDir()}, logger)
	require.NoError(t, err)
	return NewFilesHandler(store, logger), store
}

func serveToken(t *testing.T, handler *FilesHandler, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	handler.ServeFileHandler(rec, req)
	return rec
}

func TestServeFileHandler_SignedDownload(t *testing.T) {
	handler, store := newFilesEnv(t)
	ctx := context.Background()

	content := []byte("%PDF-1.4 single page")
	blobPath := "sessions/ses_f1/pages/page_0001.pdf"
	require.NoError(t, store.Put(ctx, blobPath, content, nil))

	url, err := store.SignedURL(blobPath, time.Hour)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "/files/"))

	rec := serveToken(t, handler, url)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "page_0001.pdf")
}

func TestServeFileHandler_TamperedToken(t *testing.T) {
	handler, store := newFilesEnv(t)
	ctx := context.Background()

	blobPath := "sessions/ses_f1/pages/page_0001.pdf"
	require.NoError(t, store.Put(ctx, blobPath, []byte("data"), nil))

	url, err := store.SignedURL(blobPath, time.Hour)
	require.NoError(t, err)

	// Flip the last hex digit of the signature tag
	flipped := "0"
	if strings.HasSuffix(url, "0") {
		flipped = "1"
	}
	rec := serveToken(t, handler, url[:len(url)-1]+flipped)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid download token")
}

func TestServeFileHandler_ExpiredToken(t *testing.T) {
	handler, store := newFilesEnv(t)
	ctx := context.Background()

	blobPath := "sessions/ses_f1/pages/page_0001.pdf"
	require.NoError(t, store.Put(ctx, blobPath, []byte("data"), nil))

	token, err := store.Signer().Sign(blobPath, -time.Minute)
	require.NoError(t, err)

	rec := serveToken(t, handler, "/files/"+token)
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestServeFileHandler_DeletedBlob(t *testing.T) {
	handler, store := newFilesEnv(t)
	ctx := context.Background()

	blobPath := "sessions/ses_f1/pages/page_0001.pdf"
	require.NoError(t, store.Put(ctx, blobPath, []byte("data"), nil))

	url, err := store.SignedURL(blobPath, time.Hour)
	require.NoError(t, err)

	deleted, err := store.DeleteByPrefix(ctx, "sessions/ses_f1/")
	require.NoError(t, err)
	require.Positive(t, deleted)

	rec := serveToken(t, handler, url)
	require.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), "blob no longer exists")
}

func TestServeFileHandler_MissingToken(t *testing.T) {
	handler, _ := newFilesEnv(t)

	rec := serveToken(t, handler, "/files/")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
