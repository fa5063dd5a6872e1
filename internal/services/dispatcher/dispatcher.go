// -----------------------------------------------------------------------
// Dispatcher - drives child jobs through the provider submit/poll pipeline
// -----------------------------------------------------------------------

package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/services/events"
	"github.com/ternarybob/papyrus/internal/services/normalizer"
)

// Service walks a session's child jobs through the extraction pipeline:
//
//	QUEUED → PROCESSING → (submit) → POLLING → (poll loop) → COMPLETED | FAILED
//
// One instance serves every session. The slots channel bounds in-flight
// jobs process-wide to the limiter tier's max concurrency; the shared rate
// limiter inside the extractor client paces the individual provider calls.
type Service struct {
	storage      interfaces.StorageManager
	blobs        interfaces.BlobStore
	extractor    interfaces.Extractor
	events       interfaces.EventService
	retry        *RetryPolicy
	pollInterval time.Duration
	pollDeadline time.Duration
	logger       arbor.ILogger

	slots    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// Compile-time interface assertion
var _ interfaces.Dispatcher = (*Service)(nil)

// Option customizes the dispatcher.
type Option func(*Service)

// WithRetryPolicy overrides the default provider retry policy.
func WithRetryPolicy(policy *RetryPolicy) Option {
	return func(s *Service) {
		s.retry = policy
	}
}

// NewService creates the dispatcher. The limiter's max concurrency sizes
// the worker slots.
func NewService(
	storage interfaces.StorageManager,
	blobs interfaces.BlobStore,
	ext interfaces.Extractor,
	eventService interfaces.EventService,
	limiter interfaces.Limiter,
	config *common.ExtractorConfig,
	logger arbor.ILogger,
	opts ...Option,
) *Service {
	service := &Service{
		storage:      storage,
		blobs:        blobs,
		extractor:    ext,
		events:       eventService,
		retry:        NewRetryPolicy(),
		pollInterval: config.PollIntervalMinDuration(),
		pollDeadline: config.PollDeadlineDuration(),
		logger:       logger,
		slots:        make(chan struct{}, limiter.MaxConcurrent()),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// ProcessSession dispatches every non-terminal child job of the session and
// blocks until all of them reach a terminal state. Safe to call again after
// a restart: terminal jobs are skipped, jobs with a recorded operation
// handle resume polling, and interrupted submits are repeated.
func (s *Service) ProcessSession(ctx context.Context, sessionID string) error {
	session, err := s.storage.SessionStorage().GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.IsTerminal() {
		s.logger.Debug().
			Str("session_id", sessionID).
			Str("status", string(session.Status)).
			Msg("Session already terminal, nothing to dispatch")
		return nil
	}

	jobs, err := s.storage.JobStorage().ListChildJobs(ctx, sessionID)
	if err != nil {
		return err
	}

	dispatched := 0
	var wg sync.WaitGroup
	for _, job := range jobs {
		if job.IsTerminal() {
			continue
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-s.stop:
			wg.Wait()
			return nil
		case s.slots <- struct{}{}:
		}

		dispatched++
		wg.Add(1)
		job := job
		common.SafeGo(s.logger, fmt.Sprintf("dispatch-%s", job.ID), func() {
			defer wg.Done()
			defer func() { <-s.slots }()
			s.processJob(ctx, session, job)
		})
	}
	wg.Wait()

	s.logger.Info().
		Str("session_id", sessionID).
		Int("dispatched", dispatched).
		Msg("Session dispatch complete")
	return nil
}

// Stop aborts dispatch loops at the next wait point. In-flight provider
// calls finish; unfinished jobs keep their status and resume on recovery.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// processJob drives one child job to a terminal state, entering the
// pipeline at whatever stage the stored status indicates.
func (s *Service) processJob(ctx context.Context, session *models.Session, job *models.Job) {
	jobs := s.storage.JobStorage()

	current, err := jobs.GetJob(ctx, job.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to load job for dispatch")
		return
	}
	if current.IsTerminal() {
		return
	}

	switch current.Status {
	case models.JobStatusQueued, models.JobStatusUploading:
		if err := jobs.UpdateJobStatus(ctx, current.ID, current.Status, models.JobStatusProcessing); err != nil {
			s.logger.Debug().Err(err).Str("job_id", current.ID).Msg("Job pre-empted before dispatch")
			return
		}
		s.publishJobStatus(ctx, session, current, string(current.Status), string(models.JobStatusProcessing), "")
		s.submitAndPoll(ctx, session, current)

	case models.JobStatusProcessing:
		// Interrupted mid-submit. With a recorded handle the operation is
		// resumed; without one the submit is simply repeated.
		if current.OperationID != "" {
			if err := jobs.UpdateJobStatus(ctx, current.ID, models.JobStatusProcessing, models.JobStatusPolling); err != nil {
				return
			}
			s.pollUntilDone(ctx, session, current, current.OperationID)
		} else {
			s.submitAndPoll(ctx, session, current)
		}

	case models.JobStatusPolling:
		s.pollUntilDone(ctx, session, current, current.OperationID)
	}
}

// submitAndPoll fetches the page payload, submits it to the provider, and
// follows the returned operation to completion.
func (s *Service) submitAndPoll(ctx context.Context, session *models.Session, job *models.Job) {
	jobs := s.storage.JobStorage()

	var data []byte
	err := s.retry.ExecuteWithRetry(ctx, s.logger, "blob fetch", func() error {
		var err error
		data, err = s.blobs.Get(ctx, job.BlobUrl)
		return err
	})
	if err != nil {
		s.failJob(ctx, session, job, err)
		return
	}

	var operationID string
	err = s.retry.ExecuteWithRetry(ctx, s.logger, "submit", func() error {
		var err error
		operationID, err = s.extractor.Submit(ctx, session.ModelID, data)
		return err
	})
	if err != nil {
		s.failJob(ctx, session, job, err)
		return
	}

	if err := jobs.SetJobOperation(ctx, job.ID, operationID); err != nil {
		s.logger.Debug().Err(err).Str("job_id", job.ID).Msg("Job pre-empted after submit")
		return
	}
	if err := jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing, models.JobStatusPolling); err != nil {
		s.logger.Debug().Err(err).Str("job_id", job.ID).Msg("Job pre-empted after submit")
		return
	}
	s.publishJobStatus(ctx, session, job, string(models.JobStatusProcessing), string(models.JobStatusPolling), "")

	s.pollUntilDone(ctx, session, job, operationID)
}

// pollUntilDone follows the operation until success, failure, or the poll
// deadline. The provider's Retry-After hint stretches the wait between
// polls but the configured minimum interval always applies.
func (s *Service) pollUntilDone(ctx context.Context, session *models.Session, job *models.Job, operationID string) {
	if operationID == "" {
		s.failJob(ctx, session, job, models.NewError(models.ErrExtractorPermanent, "polling state without an operation handle"))
		return
	}

	deadline := time.Now().Add(s.pollDeadline)
	for {
		var result *interfaces.PollResult
		err := s.retry.ExecuteWithRetry(ctx, s.logger, "poll", func() error {
			var err error
			result, err = s.extractor.Poll(ctx, operationID)
			return err
		})
		if err != nil {
			s.failJob(ctx, session, job, err)
			return
		}

		switch result.Status {
		case interfaces.OperationStatusSucceeded:
			s.completeJob(ctx, session, job, result)
			return
		case interfaces.OperationStatusFailed:
			msg := result.Error
			if msg == "" {
				msg = "provider reported failure without detail"
			}
			s.failJob(ctx, session, job, models.NewError(models.ErrExtractorPermanent, msg))
			return
		}

		wait := s.pollInterval
		if result.RetryAfter > wait {
			wait = result.RetryAfter
		}
		if time.Now().Add(wait).After(deadline) {
			s.failJob(ctx, session, job, models.NewError(models.ErrPollTimeout, fmt.Sprintf("no result within %s", s.pollDeadline)))
			return
		}

		select {
		case <-ctx.Done():
			s.logger.Debug().Str("job_id", job.ID).Msg("Poll loop interrupted, job stays resumable")
			return
		case <-s.stop:
			return
		case <-time.After(wait):
		}

		// Cancellation or expiry can flip the job terminal while the loop
		// sleeps; stop polling and discard any later provider result.
		if current, err := s.storage.JobStorage().GetJob(ctx, job.ID); err == nil && current.IsTerminal() {
			s.logger.Debug().
				Str("job_id", job.ID).
				Str("status", string(current.Status)).
				Msg("Job pre-empted during polling")
			return
		}
	}
}

// completeJob normalizes the provider result and writes the terminal state.
func (s *Service) completeJob(ctx context.Context, session *models.Session, job *models.Job, result *interfaces.PollResult) {
	normalized := normalizer.NormalizeTyped(result.Fields)
	fields := make(map[string]interface{}, len(normalized)+1)
	for key, value := range normalized {
		fields[key] = value.Text
	}
	fields[normalizer.ConfidenceKey] = result.Confidence

	if err := s.storage.JobStorage().CompleteJob(ctx, job.ID, fields); err != nil {
		s.logger.Debug().Err(err).Str("job_id", job.ID).Msg("Job already terminal, result dropped")
		return
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("session_id", session.ID).
		Int("fields", len(normalized)).
		Msg("Job completed")
	s.publishJobStatus(ctx, session, job, string(models.JobStatusPolling), string(models.JobStatusCompleted), "")
	s.recordPageDone(ctx, session)
}

// failJob records a terminal failure unless the dispatch itself was
// interrupted, in which case the job keeps its status and resumes later.
func (s *Service) failJob(ctx context.Context, session *models.Session, job *models.Job, cause error) {
	if ctx.Err() != nil {
		s.logger.Debug().Str("job_id", job.ID).Msg("Dispatch interrupted, leaving job resumable")
		return
	}

	msg := cause.Error()
	if err := s.storage.JobStorage().FailJob(ctx, job.ID, msg); err != nil {
		s.logger.Debug().Err(err).Str("job_id", job.ID).Msg("Job already terminal, failure not recorded")
		return
	}

	s.logger.Warn().
		Str("job_id", job.ID).
		Str("session_id", session.ID).
		Str("error", msg).
		Msg("Job failed")
	s.publishJobStatus(ctx, session, job, "", string(models.JobStatusFailed), msg)
	s.recordPageDone(ctx, session)
}

// recordPageDone advances the session's terminal-page counter and publishes
// progress. The storage layer enforces exactly-once and the page cap.
func (s *Service) recordPageDone(ctx context.Context, session *models.Session) {
	count, err := s.storage.SessionStorage().IncrementProcessedPages(ctx, session.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to advance processed pages")
		return
	}

	s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventSessionProgress,
		Payload: events.SessionProgressPayload{
			SessionID:      session.ID,
			UserID:         session.UserID,
			Status:         string(models.SessionStatusProcessing),
			TotalPages:     session.TotalPages,
			ProcessedPages: count,
		},
	})
}

func (s *Service) publishJobStatus(ctx context.Context, session *models.Session, job *models.Job, from, to, errMsg string) {
	s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobStatus,
		Payload: events.JobStatusPayload{
			JobID:      job.ID,
			SessionID:  session.ID,
			UserID:     session.UserID,
			PageNumber: job.SplitPageNumber,
			From:       from,
			To:         to,
			Error:      errMsg,
		},
	})
}
