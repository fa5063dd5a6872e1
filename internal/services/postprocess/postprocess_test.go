package postprocess

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/services/events"
	"github.com/ternarybob/papyrus/internal/services/limiter"
	"github.com/ternarybob/papyrus/internal/services/profiles"
	"github.com/ternarybob/papyrus/internal/storage/badger"
	"github.com/ternarybob/papyrus/internal/storage/blob"
)

func newTestService(t *testing.T) (*Service, interfaces.StorageManager, interfaces.BlobStore) {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFileSystemStore(&common.BlobConfig{Root: t.TempDir()}, logger)
	require.NoError(t, err)

	registry, err := profiles.NewRegistry(&common.ProfilesConfig{}, logger)
	require.NoError(t, err)

	lim, err := limiter.NewService(&common.ExtractorConfig{Tier: common.TierStandard}, logger)
	require.NoError(t, err)

	svc := NewService(store, blobs, registry, lim, events.NewService(logger), logger)
	return svc, store, blobs
}

// seedCompleted stores a PROCESSING session with completed child jobs whose
// page blobs exist. Every job carries the given fields.
func seedCompleted(t *testing.T, store interfaces.StorageManager, blobs interfaces.BlobStore, pages int, fields map[string]interface{}) *models.Session {
	t.Helper()
	ctx := context.Background()

	session := models.NewSession("ses_pp1", "usr_1", "ticket-extraction-v3", time.Hour)
	session.TotalFiles = 1
	session.TotalPages = pages
	session.ProcessedPages = pages
	session.MarkProcessing()
	require.NoError(t, store.SessionStorage().SaveSession(ctx, session))

	parent := models.NewParentJob("job_p", session.ID, "scan.pdf", session.BlobPrefix+"originals/scan.pdf", pages)
	require.NoError(t, store.JobStorage().SaveJob(ctx, parent))

	for i := 1; i <= pages; i++ {
		path := fmt.Sprintf("%spages/scan_page_%d.pdf", session.BlobPrefix, i)
		require.NoError(t, blobs.Put(ctx, path, []byte(fmt.Sprintf("%%PDF- page %d", i)), nil))

		child := models.NewChildJob(fmt.Sprintf("job_c%d", i), session.ID, "job_p", fmt.Sprintf("scan_page_%d.pdf", i), path, i)
		child.MarkProcessing()
		child.MarkPolling(fmt.Sprintf("op-%d", i))
		child.MarkCompleted(fields)
		require.NoError(t, store.JobStorage().SaveJob(ctx, child))
	}
	return session
}

func TestProcessSession_RenamesAllPages(t *testing.T) {
	svc, store, blobs := newTestService(t)
	fields := map[string]interface{}{
		"CompanyName":  "ACME Corp",
		"TicketNumber": "T-1",
		"TicketDate":   "2025-06-25",
	}
	session := seedCompleted(t, store, blobs, 3, fields)
	ctx := context.Background()

	require.NoError(t, svc.ProcessSession(ctx, session.ID))

	updated, err := store.SessionStorage().GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, updated.Status)
	assert.Equal(t, 3, updated.PostProcessedCount)
	assert.NotNil(t, updated.PostProcessingStartedAt)
	assert.NotNil(t, updated.PostProcessingCompletedAt)
	assert.NotNil(t, updated.CompletedAt)

	children, err := store.JobStorage().ListChildJobs(ctx, session.ID)
	require.NoError(t, err)

	// Identical fields on every page resolve collisions in page order.
	wantNames := []string{
		"ACME_Corp_T1_2025-06-25.pdf",
		"ACME_Corp_T1_2025-06-25_2.pdf",
		"ACME_Corp_T1_2025-06-25_3.pdf",
	}
	for i, job := range children {
		assert.Equal(t, wantNames[i], job.NewFileName)
		wantPath := session.BlobPrefix + "processed/" + wantNames[i]
		assert.Equal(t, wantPath, job.ProcessedFileUrl)

		data, err := blobs.Get(ctx, wantPath)
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("%%PDF- page %d", i+1)), data)
	}
}

func TestProcessSession_MissingSourceIsNonFatal(t *testing.T) {
	svc, store, blobs := newTestService(t)
	fields := map[string]interface{}{
		"CompanyName":  "Solo",
		"TicketNumber": "9",
		"TicketDate":   "2025-02-02",
	}
	session := seedCompleted(t, store, blobs, 2, fields)
	ctx := context.Background()

	// Break one job's source blob.
	job, err := store.JobStorage().GetJob(ctx, "job_c2")
	require.NoError(t, err)
	job.BlobUrl = session.BlobPrefix + "pages/missing.pdf"
	require.NoError(t, store.JobStorage().UpdateJob(ctx, job))

	require.NoError(t, svc.ProcessSession(ctx, session.ID))

	updated, err := store.SessionStorage().GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, updated.Status, "rename failure must not fail the session")
	assert.Equal(t, 1, updated.PostProcessedCount)

	broken, err := store.JobStorage().GetJob(ctx, "job_c2")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, broken.Status)
	assert.Empty(t, broken.ProcessedFileUrl)
}

func TestProcessSession_SkipsNonCompletedJobs(t *testing.T) {
	svc, store, blobs := newTestService(t)
	fields := map[string]interface{}{
		"CompanyName":  "Mix",
		"TicketNumber": "5",
		"TicketDate":   "2025-04-04",
	}
	session := seedCompleted(t, store, blobs, 2, fields)
	ctx := context.Background()

	// One job actually failed extraction.
	job, err := store.JobStorage().GetJob(ctx, "job_c2")
	require.NoError(t, err)
	job.Status = models.JobStatusFailed
	job.Error = "EXTRACTOR_PERMANENT: unreadable"
	job.ExtractedFields = nil
	job.ProcessedFileUrl = ""
	require.NoError(t, store.JobStorage().UpdateJob(ctx, job))

	require.NoError(t, svc.ProcessSession(ctx, session.ID))

	updated, err := store.SessionStorage().GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.PostProcessedCount)

	failed, err := store.JobStorage().GetJob(ctx, "job_c2")
	require.NoError(t, err)
	assert.Empty(t, failed.ProcessedFileUrl)
	assert.Empty(t, failed.NewFileName)
}

func TestProcessSession_ResumeSkipsRenamedJobs(t *testing.T) {
	svc, store, blobs := newTestService(t)
	fields := map[string]interface{}{
		"CompanyName":  "Resume",
		"TicketNumber": "1",
		"TicketDate":   "2025-05-05",
	}
	session := seedCompleted(t, store, blobs, 2, fields)
	ctx := context.Background()

	// First run was interrupted after renaming page 1.
	require.NoError(t, store.SessionStorage().UpdateSessionStatus(ctx, session.ID, models.SessionStatusProcessing, models.SessionStatusPostProcessing))
	job, err := store.JobStorage().GetJob(ctx, "job_c1")
	require.NoError(t, err)
	job.NewFileName = "Resume_1_2025-05-05.pdf"
	job.ProcessedFileUrl = session.BlobPrefix + "processed/Resume_1_2025-05-05.pdf"
	require.NoError(t, store.JobStorage().UpdateJob(ctx, job))
	require.NoError(t, blobs.Put(ctx, job.ProcessedFileUrl, []byte("already renamed"), nil))

	require.NoError(t, svc.ProcessSession(ctx, session.ID))

	// The resumed run must not overwrite the prior artifact and must pick
	// a non-colliding suffix for the remaining page.
	data, err := blobs.Get(ctx, session.BlobPrefix+"processed/Resume_1_2025-05-05.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("already renamed"), data)

	second, err := store.JobStorage().GetJob(ctx, "job_c2")
	require.NoError(t, err)
	assert.Equal(t, "Resume_1_2025-05-05_2.pdf", second.NewFileName)

	updated, err := store.SessionStorage().GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, updated.Status)
	assert.Equal(t, 1, updated.PostProcessedCount, "only the resumed page increments the counter")
}

func TestProcessSession_IneligibleStatusIsNoop(t *testing.T) {
	svc, store, blobs := newTestService(t)
	session := seedCompleted(t, store, blobs, 1, map[string]interface{}{"CompanyName": "X"})
	ctx := context.Background()

	require.NoError(t, store.SessionStorage().UpdateSessionStatus(ctx, session.ID, models.SessionStatusProcessing, models.SessionStatusCancelled))

	require.NoError(t, svc.ProcessSession(ctx, session.ID))

	updated, err := store.SessionStorage().GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, updated.Status)
	assert.Equal(t, 0, updated.PostProcessedCount)
}

func TestProcessJob_SkipsAlreadyRenamed(t *testing.T) {
	svc, store, blobs := newTestService(t)
	session := seedCompleted(t, store, blobs, 1, map[string]interface{}{
		"CompanyName":  "Once",
		"TicketNumber": "2",
		"TicketDate":   "2025-07-07",
	})
	ctx := context.Background()

	job, err := store.JobStorage().GetJob(ctx, "job_c1")
	require.NoError(t, err)

	used := make(map[string]int)
	require.NoError(t, svc.ProcessJob(ctx, session, job, used))
	firstURL := job.ProcessedFileUrl
	require.NotEmpty(t, firstURL)

	// A second call is a no-op.
	require.NoError(t, svc.ProcessJob(ctx, session, job, used))
	assert.Equal(t, firstURL, job.ProcessedFileUrl)

	updated, err := store.SessionStorage().GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.PostProcessedCount)
}
