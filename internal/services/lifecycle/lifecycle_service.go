// -----------------------------------------------------------------------
// Lifecycle Service - retention timers and the cleanup sweep
// -----------------------------------------------------------------------

package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/services/events"
)

// Service enforces session retention. Every session gets a timer armed at
// its expiry deadline; an hourly cron sweep backs the timers up so sessions
// that expired while the process was down are still cleaned. Expiring a
// session marks it and its jobs EXPIRED, deletes every blob under the
// session prefix, and appends one CleanupLog row per run.
//
// The timer set is process-wide state with explicit init and teardown:
// Start arms it, Stop drains it.
type Service struct {
	config  *common.CleanupConfig
	storage interfaces.StorageManager
	blobs   interfaces.BlobStore
	events  interfaces.EventService
	logger  arbor.ILogger

	cron    *cron.Cron
	running bool

	// mu guards running and serializes sweeps; the cron wrapper skips a
	// cycle instead of queueing behind a long sweep.
	mu       sync.Mutex
	sweeping bool

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// Compile-time interface assertion
var _ interfaces.LifecycleService = (*Service)(nil)

// NewService creates the lifecycle service.
func NewService(
	config *common.CleanupConfig,
	storage interfaces.StorageManager,
	blobs interfaces.BlobStore,
	eventService interfaces.EventService,
	logger arbor.ILogger,
) *Service {
	return &Service{
		config:  config,
		storage: storage,
		blobs:   blobs,
		events:  eventService,
		logger:  logger,
		cron:    cron.New(),
		timers:  make(map[string]*time.Timer),
	}
}

// Start runs a catch-up sweep for sessions that expired while the process
// was down, arms timers for every live session, and starts the cron backup
// sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("lifecycle service already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.config.Enabled {
		schedule := s.config.Schedule
		if schedule == "" {
			schedule = "0 * * * *"
		}
		if _, err := s.cron.AddFunc(schedule, s.runScheduledSweep); err != nil {
			return fmt.Errorf("failed to schedule cleanup sweep: %w", err)
		}
		s.cron.Start()
		s.logger.Info().Str("schedule", schedule).Msg("Cleanup sweep scheduled")
	}

	if err := s.armExistingTimers(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to arm retention timers")
	}

	// Catch up on sessions that went overdue while the process was down.
	common.SafeGo(s.logger, "lifecycle-catchup", func() {
		if _, err := s.RunSweep(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Startup cleanup sweep failed")
		}
	})

	s.logger.Info().Msg("Lifecycle service started")
	return nil
}

// Stop halts the cron sweep and drains the timer set. In-flight sweeps
// finish on their own.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cron.Stop()

	s.timerMu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.timerMu.Unlock()

	s.logger.Info().Msg("Lifecycle service stopped")
	return nil
}

// Schedule arms (or re-arms) the retention timer for one session. An
// earlier timer for the same session is stopped first, so rescheduling
// never produces duplicate firings.
func (s *Service) Schedule(session *models.Session) {
	if session == nil || session.Status == models.SessionStatusExpired {
		return
	}

	wait := time.Until(session.ExpiresAt)
	if wait < 0 {
		wait = 0
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if existing, ok := s.timers[session.ID]; ok {
		existing.Stop()
	}

	id := session.ID
	s.timers[id] = time.AfterFunc(wait, func() {
		s.timerMu.Lock()
		delete(s.timers, id)
		s.timerMu.Unlock()

		if _, err := s.RunSweep(context.Background()); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Expiry sweep failed")
		}
	})

	s.logger.Debug().
		Str("session_id", id).
		Str("expires_at", session.ExpiresAt.Format(time.RFC3339)).
		Msg("Retention timer armed")
}

// SpeedUpExpiration rewrites the session's deadline and re-arms its timer.
func (s *Service) SpeedUpExpiration(ctx context.Context, sessionID string, expiresAt time.Time) error {
	if err := s.storage.SessionStorage().UpdateExpiry(ctx, sessionID, expiresAt); err != nil {
		return err
	}

	session, err := s.storage.SessionStorage().GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.Schedule(session)

	s.logger.Info().
		Str("session_id", sessionID).
		Str("expires_at", expiresAt.Format(time.RFC3339)).
		Msg("Session expiry moved up")
	return nil
}

// RunSweep expires every overdue session now and appends one CleanupLog
// row describing the run. Concurrent callers serialize; a sweep that finds
// nothing overdue still records its run.
func (s *Service) RunSweep(ctx context.Context) (*models.CleanupLog, error) {
	s.mu.Lock()
	for s.sweeping {
		// Another sweep is active. Serializing here keeps the log append
		// per-invocation without interleaving session work.
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		s.mu.Lock()
	}
	s.sweeping = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	log := models.NewCleanupLog(common.NewCleanupLogID())

	sessions, err := s.storage.SessionStorage().ListExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		log.AddError(err.Error())
		log.Finish()
		if saveErr := s.storage.CleanupStorage().SaveCleanupLog(ctx, log); saveErr != nil {
			s.logger.Warn().Err(saveErr).Msg("Failed to persist cleanup log")
		}
		return log, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			log.AddError("sweep interrupted")
			break
		}
		s.expireSession(ctx, session, log)
	}

	log.Finish()
	if err := s.storage.CleanupStorage().SaveCleanupLog(ctx, log); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist cleanup log")
	}

	if log.SessionsExpired > 0 || len(log.Errors) > 0 {
		s.logger.Info().
			Int("sessions_expired", log.SessionsExpired).
			Int("jobs_expired", log.JobsExpired).
			Int("blobs_deleted", log.BlobsDeleted).
			Int("errors", len(log.Errors)).
			Msg("Cleanup sweep finished")
	}
	return log, nil
}

// expireSession performs the full teardown of one overdue session: flip the
// session, flip its live jobs, delete every blob under the prefix. The
// status write goes first so reads observe EXPIRED before blobs disappear.
func (s *Service) expireSession(ctx context.Context, session *models.Session, log *models.CleanupLog) {
	if err := s.storage.SessionStorage().UpdateSessionStatus(ctx, session.ID, session.Status, models.SessionStatusExpired); err != nil {
		current, getErr := s.storage.SessionStorage().GetSession(ctx, session.ID)
		if getErr == nil && current.Status == models.SessionStatusExpired {
			// A concurrent sweep got here first.
			return
		}
		log.AddError(fmt.Sprintf("session %s: %v", session.ID, err))
		return
	}

	jobsExpired, err := s.storage.JobStorage().MarkNonTerminalJobsExpired(ctx, session.ID)
	if err != nil {
		log.AddError(fmt.Sprintf("session %s jobs: %v", session.ID, err))
	}

	blobsDeleted, err := s.blobs.DeleteByPrefix(ctx, session.BlobPrefix)
	if err != nil {
		log.AddError(fmt.Sprintf("session %s blobs: %v", session.ID, err))
	}

	log.SessionsExpired++
	log.JobsExpired += jobsExpired
	log.BlobsDeleted += blobsDeleted

	s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventSessionExpired,
		Payload: events.SessionExpiredPayload{
			SessionID: session.ID,
			UserID:    session.UserID,
		},
	})

	s.logger.Info().
		Str("session_id", session.ID).
		Int("jobs_expired", jobsExpired).
		Int("blobs_deleted", blobsDeleted).
		Msg("Session expired")
}

// armExistingTimers schedules a timer for every session cleanup still owes
// work to, whatever its pipeline status.
func (s *Service) armExistingTimers(ctx context.Context) error {
	statuses := []models.SessionStatus{
		models.SessionStatusUploading,
		models.SessionStatusProcessing,
		models.SessionStatusPostProcessing,
		models.SessionStatusCompleted,
		models.SessionStatusFailed,
		models.SessionStatusCancelled,
	}

	armed := 0
	for _, status := range statuses {
		sessions, err := s.storage.SessionStorage().ListSessionsByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, session := range sessions {
			s.Schedule(session)
			armed++
		}
	}

	if armed > 0 {
		s.logger.Info().Int("count", armed).Msg("Retention timers armed")
	}
	return nil
}

// runScheduledSweep is the cron entry point. A cycle that lands while a
// sweep is already active is skipped rather than queued.
func (s *Service) runScheduledSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in cleanup sweep")
		}
	}()

	s.mu.Lock()
	busy := s.sweeping
	s.mu.Unlock()
	if busy {
		s.logger.Debug().Msg("Cleanup sweep already running, skipping cycle")
		return
	}

	if _, err := s.RunSweep(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled cleanup sweep failed")
	}
}
