package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/services/credits"
	"github.com/ternarybob/papyrus/internal/services/dispatcher"
	"github.com/ternarybob/papyrus/internal/services/events"
	"github.com/ternarybob/papyrus/internal/services/limiter"
	"github.com/ternarybob/papyrus/internal/services/packager"
	"github.com/ternarybob/papyrus/internal/services/postprocess"
	"github.com/ternarybob/papyrus/internal/services/profiles"
	"github.com/ternarybob/papyrus/internal/services/session"
	"github.com/ternarybob/papyrus/internal/services/splitter"
	"github.com/ternarybob/papyrus/internal/storage/badger"
	"github.com/ternarybob/papyrus/internal/storage/blob"
)

// fakeExtractor completes every operation on the first poll unless hold is
// set, in which case operations stay running until released.
type fakeExtractor struct {
	submits atomic.Int32
	polls   atomic.Int32
	hold    atomic.Bool
}

func (f *fakeExtractor) Submit(ctx context.Context, modelID string, payload []byte) (string, error) {
	n := f.submits.Add(1)
	return fmt.Sprintf("op-%d", n), nil
}

func (f *fakeExtractor) Poll(ctx context.Context, operationID string) (*interfaces.PollResult, error) {
	f.polls.Add(1)
	if f.hold.Load() {
		return &interfaces.PollResult{Status: interfaces.OperationStatusRunning}, nil
	}
	return &interfaces.PollResult{
		Status: interfaces.OperationStatusSucceeded,
		Fields: map[string]interface{}{
			"CompanyName":  "ACME Corp",
			"TicketNumber": "T-100",
			"TicketDate":   "6/5/2025",
		},
		Confidence: 0.9,
	}, nil
}

type handlerEnv struct {
	handler *SessionHandler
	files   *FilesHandler
	storage interfaces.StorageManager
	blobs   *blob.FileSystemStore
	ext     *fakeExtractor
	config  *common.Config
}

func newHandlerEnv(t *testing.T, mutate func(*common.Config)) *handlerEnv {
	t.Helper()
	logger := arbor.NewLogger()

	config := &common.Config{
		Extractor: common.ExtractorConfig{
			Tier:            common.TierStandard,
			Rate:            1000,
			Burst:           1000,
			MaxConcurrent:   4,
			PollIntervalMin: "10ms",
			PollDeadline:    "5s",
		},
		Session: common.SessionConfig{
			Retention:          "1h",
			MaxFileSize:        4 * 1024 * 1024,
			MaxFilesPerSession: 20,
			DefaultModel:       "ticket-extraction-v3",
			CreditGrant:        100,
		},
	}
	if mutate != nil {
		mutate(config)
	}

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	blobs, err := blob.NewFileSystemStore(&common.BlobConfig{Root: t.TempDir()}, logger)
	require.NoError(t, err)

	rate, err := limiter.NewService(&config.Extractor, logger)
	require.NoError(t, err)
	eventService := events.NewService(logger)
	registry, err := profiles.NewRegistry(&common.ProfilesConfig{}, logger)
	require.NoError(t, err)
	creditService := credits.NewService(manager.CreditStorage(), &config.Session, logger)
	ext := &fakeExtractor{}

	dispatch := dispatcher.NewService(manager, blobs, ext, eventService, rate, &config.Extractor, logger)
	postproc := postprocess.NewService(manager, blobs, registry, rate, eventService, logger)
	coordinator := session.NewService(config, manager, blobs, splitter.NewService(logger), dispatch,
		postproc, creditService, nil, eventService, logger)
	t.Cleanup(coordinator.Stop)
	t.Cleanup(dispatch.Stop)

	pack := packager.NewService(manager, blobs, registry, logger)

	return &handlerEnv{
		handler: NewSessionHandler(config, coordinator, pack, logger),
		files:   NewFilesHandler(blobs, logger),
		storage: manager,
		blobs:   blobs,
		ext:     ext,
		config:  config,
	}
}

func makePDF(t *testing.T, pages int) []byte {
	t.Helper()

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	for i := 1; i <= pages; i++ {
		pdf.AddPage()
		pdf.Cell(40, 10, fmt.Sprintf("Page %d", i))
	}

	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

type uploadPart struct {
	name string
	data []byte
}

// doUpload posts a multipart batch the way a browser form would.
func doUpload(t *testing.T, env *handlerEnv, userID, modelID string, parts []uploadPart) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if modelID != "" {
		require.NoError(t, mw.WriteField("modelId", modelID))
	}
	for _, p := range parts {
		fw, err := mw.CreateFormFile("files", p.name)
		require.NoError(t, err)
		_, err = fw.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	env.handler.UploadHandler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func waitForSession(t *testing.T, env *handlerEnv, sessionID string, want models.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		session, err := env.storage.SessionStorage().GetSession(context.Background(), sessionID)
		return err == nil && session.Status == want
	}, 10*time.Second, 20*time.Millisecond, "session never reached %s", want)
}

func TestUploadHandler_CreatesSession(t *testing.T) {
	env := newHandlerEnv(t, nil)

	rec := doUpload(t, env, "usr_h1", "ticket-extraction-v3", []uploadPart{
		{name: "scan.pdf", data: makePDF(t, 2)},
		{name: "ticket.pdf", data: makePDF(t, 1)},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp UploadResponse
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, string(models.SessionStatusProcessing), resp.Status)
	assert.Equal(t, 2, resp.TotalFiles)
	assert.Equal(t, 3, resp.TotalPages)
	assert.Len(t, resp.Jobs, 5) // 2 parents + 3 children

	waitForSession(t, env, resp.SessionID, models.SessionStatusCompleted)
}

func TestUploadHandler_NoFiles(t *testing.T) {
	env := newHandlerEnv(t, nil)

	rec := doUpload(t, env, "usr_h1", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, string(models.ErrInvalidInput), resp["kind"])
}

func TestUploadHandler_TooManyFiles(t *testing.T) {
	env := newHandlerEnv(t, func(c *common.Config) { c.Session.MaxFilesPerSession = 2 })

	doc := makePDF(t, 1)
	rec := doUpload(t, env, "usr_h1", "", []uploadPart{
		{name: "a.pdf", data: doc},
		{name: "b.pdf", data: doc},
		{name: "c.pdf", data: doc},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Contains(t, resp["error"], "too many files")
}

func TestUploadHandler_OversizedFile(t *testing.T) {
	env := newHandlerEnv(t, func(c *common.Config) { c.Session.MaxFileSize = 64 })

	rec := doUpload(t, env, "usr_h1", "", []uploadPart{
		{name: "big.pdf", data: makePDF(t, 1)},
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Contains(t, resp["error"], "big.pdf")
}

func TestUploadHandler_CorruptFile(t *testing.T) {
	env := newHandlerEnv(t, nil)

	rec := doUpload(t, env, "usr_h1", "", []uploadPart{
		{name: "good.pdf", data: makePDF(t, 1)},
		{name: "broken.pdf", data: []byte("%PDF-1.7 garbage")},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, string(models.ErrCorruptInput), resp["kind"])
}

func TestUploadHandler_InsufficientCredits(t *testing.T) {
	env := newHandlerEnv(t, func(c *common.Config) { c.Session.CreditGrant = 2 })

	rec := doUpload(t, env, "usr_poor", "", []uploadPart{
		{name: "scan.pdf", data: makePDF(t, 3)},
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, string(models.ErrInsufficientCredits), resp["kind"])
}

func TestGetSessionStatusHandler_Poll(t *testing.T) {
	env := newHandlerEnv(t, nil)

	rec := doUpload(t, env, "usr_h1", "", []uploadPart{
		{name: "scan.pdf", data: makePDF(t, 2)},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created UploadResponse
	decodeBody(t, rec, &created)

	waitForSession(t, env, created.SessionID, models.SessionStatusCompleted)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID+"/status", nil)
	poll := httptest.NewRecorder()
	env.handler.GetSessionStatusHandler(poll, req)
	require.Equal(t, http.StatusOK, poll.Code)

	var resp SessionPollResponse
	decodeBody(t, poll, &resp)
	assert.Equal(t, created.SessionID, resp.SessionID)
	assert.Equal(t, string(models.SessionStatusCompleted), resp.Status)
	assert.Equal(t, 100, resp.Progress)
	assert.Equal(t, 2, resp.ProcessedPages)
	assert.Equal(t, 2, resp.CompletedJobs)
	assert.Equal(t, 0, resp.FailedJobs)
	assert.Equal(t, 98, resp.UserCredits)
	assert.Equal(t, "/api/sessions/"+created.SessionID+"/download", resp.ZipURL)
}

func TestGetSessionHandler_NotFound(t *testing.T) {
	env := newHandlerEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/ses_missing", nil)
	rec := httptest.NewRecorder()
	env.handler.GetSessionHandler(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, string(models.ErrNotFound), resp["kind"])
}

func TestDownloadHandler_NotReadyUntilCompleted(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.ext.hold.Store(true)

	rec := doUpload(t, env, "usr_h1", "", []uploadPart{
		{name: "scan.pdf", data: makePDF(t, 2)},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created UploadResponse
	decodeBody(t, rec, &created)

	// Still processing: no archive yet
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID+"/download", nil)
	early := httptest.NewRecorder()
	env.handler.DownloadHandler(early, req)
	require.Equal(t, http.StatusNotFound, early.Code)

	env.ext.hold.Store(false)
	waitForSession(t, env, created.SessionID, models.SessionStatusCompleted)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID+"/download", nil)
	done := httptest.NewRecorder()
	env.handler.DownloadHandler(done, req)
	require.Equal(t, http.StatusOK, done.Code)
	assert.Equal(t, "application/zip", done.Header().Get("Content-Type"))
	assert.Contains(t, done.Header().Get("Content-Disposition"), ".zip")

	body := done.Body.Bytes()
	archive, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, archive.File, 3) // 2 renamed pages + summary

	var pages, summaries int
	for _, entry := range archive.File {
		switch {
		case strings.HasPrefix(entry.Name, "processed/") && strings.HasSuffix(entry.Name, ".pdf"):
			pages++
		case entry.Name == fmt.Sprintf("summary_%s.csv", created.SessionID):
			summaries++
		default:
			t.Errorf("unexpected archive entry %s", entry.Name)
		}
	}
	assert.Equal(t, 2, pages)
	assert.Equal(t, 1, summaries)
}

func TestDownloadHandler_ExpiredReturns410(t *testing.T) {
	env := newHandlerEnv(t, nil)
	ctx := context.Background()

	rec := doUpload(t, env, "usr_h1", "", []uploadPart{
		{name: "scan.pdf", data: makePDF(t, 1)},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created UploadResponse
	decodeBody(t, rec, &created)
	waitForSession(t, env, created.SessionID, models.SessionStatusCompleted)

	require.NoError(t, env.storage.SessionStorage().UpdateExpiry(ctx, created.SessionID, time.Now().Add(-time.Minute)))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID+"/download", nil)
	gone := httptest.NewRecorder()
	env.handler.DownloadHandler(gone, req)
	require.Equal(t, http.StatusGone, gone.Code)
}

func TestCancelSessionHandler_Idempotent(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.ext.hold.Store(true)

	rec := doUpload(t, env, "usr_h1", "", []uploadPart{
		{name: "scan.pdf", data: makePDF(t, 2)},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created UploadResponse
	decodeBody(t, rec, &created)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+created.SessionID, nil)
	first := httptest.NewRecorder()
	env.handler.CancelSessionHandler(first, req)
	require.Equal(t, http.StatusOK, first.Code)

	var resp map[string]string
	decodeBody(t, first, &resp)
	assert.Equal(t, "Session cancelled", resp["message"])

	waitForSession(t, env, created.SessionID, models.SessionStatusCancelled)

	// Cancelling a terminal session answers success without changes
	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/"+created.SessionID, nil)
	second := httptest.NewRecorder()
	env.handler.CancelSessionHandler(second, req)
	require.Equal(t, http.StatusOK, second.Code)
}

func TestListSessionsHandler_ScopedToUser(t *testing.T) {
	env := newHandlerEnv(t, nil)

	rec := doUpload(t, env, "usr_a", "", []uploadPart{
		{name: "scan.pdf", data: makePDF(t, 1)},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions?userId=usr_a", nil)
	list := httptest.NewRecorder()
	env.handler.ListSessionsHandler(list, req)
	require.Equal(t, http.StatusOK, list.Code)

	var resp map[string]interface{}
	decodeBody(t, list, &resp)
	assert.Equal(t, float64(1), resp["count"])

	// Header identity applies when the query parameter is absent
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("X-User-ID", "usr_b")
	other := httptest.NewRecorder()
	env.handler.ListSessionsHandler(other, req)
	require.Equal(t, http.StatusOK, other.Code)

	decodeBody(t, other, &resp)
	assert.Equal(t, float64(0), resp["count"])
}

func TestListSessionJobsHandler_ReturnsForest(t *testing.T) {
	env := newHandlerEnv(t, nil)

	rec := doUpload(t, env, "usr_h1", "", []uploadPart{
		{name: "scan.pdf", data: makePDF(t, 2)},
		{name: "ticket.pdf", data: makePDF(t, 1)},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created UploadResponse
	decodeBody(t, rec, &created)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID+"/jobs", nil)
	list := httptest.NewRecorder()
	env.handler.ListSessionJobsHandler(list, req)
	require.Equal(t, http.StatusOK, list.Code)

	var resp map[string]interface{}
	decodeBody(t, list, &resp)
	assert.Equal(t, created.SessionID, resp["session_id"])
	assert.Equal(t, float64(5), resp["count"])
}
