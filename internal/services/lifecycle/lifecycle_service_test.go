package lifecycle

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
	"github.com/ternarybob/papyrus/internal/storage/badger"
	"github.com/ternarybob/papyrus/internal/storage/blob"
)

type testEnv struct {
	svc     *Service
	storage interfaces.StorageManager
	blobs   interfaces.BlobStore
}

func newTestEnv(t *testing.T, config *common.CleanupConfig) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	blobs, err := blob.NewFileSystemStore(&common.BlobConfig{Root: t.TempDir()}, logger)
	require.NoError(t, err)

	if config == nil {
		config = &common.CleanupConfig{Enabled: false}
	}
	svc := NewService(config, manager, blobs, events.NewService(logger), logger)
	t.Cleanup(func() { svc.Stop() })

	return &testEnv{svc: svc, storage: manager, blobs: blobs}
}

// seedSession stores a session with two child jobs (one completed, one
// still queued) and three blobs under its prefix.
func seedSession(t *testing.T, env *testEnv, id string, expiresIn time.Duration) *models.Session {
	t.Helper()
	ctx := context.Background()

	session := models.NewSession(id, "usr_1", "ticket-extraction-v3", time.Hour)
	session.TotalFiles = 1
	session.TotalPages = 2
	session.ExpiresAt = time.Now().UTC().Add(expiresIn)
	session.MarkProcessing()
	require.NoError(t, env.storage.SessionStorage().SaveSession(ctx, session))

	parent := models.NewParentJob(id+"_p", id, "scan.pdf", session.BlobPrefix+"originals/scan.pdf", 2)
	require.NoError(t, env.storage.JobStorage().SaveJob(ctx, parent))

	done := models.NewChildJob(id+"_c1", id, parent.ID, "scan_page_1.pdf", session.BlobPrefix+"pages/scan_page_1.pdf", 1)
	done.MarkCompleted(map[string]interface{}{"TicketNumber": "T-1"})
	require.NoError(t, env.storage.JobStorage().SaveJob(ctx, done))

	queued := models.NewChildJob(id+"_c2", id, parent.ID, "scan_page_2.pdf", session.BlobPrefix+"pages/scan_page_2.pdf", 2)
	require.NoError(t, env.storage.JobStorage().SaveJob(ctx, queued))

	for _, path := range []string{
		session.BlobPrefix + "originals/scan.pdf",
		session.BlobPrefix + "pages/scan_page_1.pdf",
		session.BlobPrefix + "pages/scan_page_2.pdf",
	} {
		require.NoError(t, env.blobs.Put(ctx, path, []byte("%PDF- data"), nil))
	}
	return session
}

func TestRunSweep_ExpiresOverdueSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	overdue := seedSession(t, env, "ses_old", -time.Minute)
	live := seedSession(t, env, "ses_live", time.Hour)

	log, err := env.svc.RunSweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, log.SessionsExpired)
	// Parent and the queued child flip; the completed child keeps its state
	assert.Equal(t, 2, log.JobsExpired)
	assert.Equal(t, 3, log.BlobsDeleted)
	assert.Equal(t, models.CleanupStatusCompleted, log.Status)
	assert.NotNil(t, log.CompletedAt)
	assert.Empty(t, log.Errors)

	got, err := env.storage.SessionStorage().GetSession(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, got.Status)

	jobs, err := env.storage.JobStorage().ListJobsBySession(ctx, overdue.ID)
	require.NoError(t, err)
	for _, job := range jobs {
		if job.ID == overdue.ID+"_c1" {
			assert.Equal(t, models.JobStatusCompleted, job.Status)
			continue
		}
		assert.Equal(t, models.JobStatusExpired, job.Status, "job %s", job.ID)
	}

	remaining, err := env.blobs.ListByPrefix(ctx, overdue.BlobPrefix)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	got, err = env.storage.SessionStorage().GetSession(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusProcessing, got.Status)

	untouched, err := env.blobs.ListByPrefix(ctx, live.BlobPrefix)
	require.NoError(t, err)
	assert.Len(t, untouched, 3)
}

func TestRunSweep_SecondRunDeletesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedSession(t, env, "ses_old", -time.Minute)

	first, err := env.svc.RunSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.SessionsExpired)

	second, err := env.svc.RunSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.SessionsExpired)
	assert.Equal(t, 0, second.BlobsDeleted)

	// Each invocation appends exactly one row
	count, err := env.storage.CleanupStorage().CountCleanupLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSchedule_TimerExpiresSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	session := seedSession(t, env, "ses_timer", 50*time.Millisecond)
	env.svc.Schedule(session)

	require.Eventually(t, func() bool {
		got, err := env.storage.SessionStorage().GetSession(ctx, session.ID)
		return err == nil && got.Status == models.SessionStatusExpired
	}, 5*time.Second, 20*time.Millisecond)

	remaining, err := env.blobs.ListByPrefix(ctx, session.BlobPrefix)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSpeedUpExpiration(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	session := seedSession(t, env, "ses_fast", time.Hour)
	env.svc.Schedule(session)

	require.NoError(t, env.svc.SpeedUpExpiration(ctx, session.ID, time.Now().UTC().Add(50*time.Millisecond)))

	require.Eventually(t, func() bool {
		got, err := env.storage.SessionStorage().GetSession(ctx, session.ID)
		return err == nil && got.Status == models.SessionStatusExpired
	}, 5*time.Second, 20*time.Millisecond)

	// Re-arming replaced the hour-long timer; only the moved-up run fired
	count, err := env.storage.CleanupStorage().CountCleanupLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStart_RunsCatchUpSweep(t *testing.T) {
	env := newTestEnv(t, &common.CleanupConfig{Enabled: true, Schedule: "0 0 * * *"})
	ctx := context.Background()

	session := seedSession(t, env, "ses_catchup", -time.Minute)

	require.NoError(t, env.svc.Start(ctx))

	require.Eventually(t, func() bool {
		got, err := env.storage.SessionStorage().GetSession(ctx, session.ID)
		return err == nil && got.Status == models.SessionStatusExpired
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, env.svc.Stop())
}

func TestStart_Twice(t *testing.T) {
	env := newTestEnv(t, nil)

	require.NoError(t, env.svc.Start(context.Background()))
	err := env.svc.Start(context.Background())
	require.Error(t, err)
	require.NoError(t, env.svc.Stop())
}

func TestExpireSession_PublishesEvent(t *testing.T) {
	logger := arbor.NewLogger()
	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	blobs, err := blob.NewFileSystemStore(&common.BlobConfig{Root: t.TempDir()}, logger)
	require.NoError(t, err)

	eventService := events.NewService(logger)
	expired := make(chan string, 1)
	require.NoError(t, eventService.Subscribe(interfaces.EventSessionExpired, func(ctx context.Context, event interfaces.Event) error {
		payload, ok := event.Payload.(events.SessionExpiredPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", event.Payload)
		}
		expired <- payload.SessionID
		return nil
	}))

	svc := NewService(&common.CleanupConfig{}, manager, blobs, eventService, logger)
	env := &testEnv{svc: svc, storage: manager, blobs: blobs}
	session := seedSession(t, env, "ses_evt", -time.Minute)

	_, err = svc.RunSweep(context.Background())
	require.NoError(t, err)

	select {
	case id := <-expired:
		assert.Equal(t, session.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("expired event never arrived")
	}
}
