// -----------------------------------------------------------------------
// Post-Processor - writes renamed page artifacts for completed jobs
// -----------------------------------------------------------------------

package postprocess

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/services/events"
	"github.com/ternarybob/papyrus/internal/storage/blob"
)

// Service derives canonical filenames from extracted fields and copies each
// source page into the session's processed area. A job that cannot be
// renamed stays COMPLETED with an empty ProcessedFileUrl; the packager then
// falls back to the original page blob.
type Service struct {
	storage  interfaces.StorageManager
	blobs    interfaces.BlobStore
	profiles interfaces.ProfileRegistry
	limiter  interfaces.Limiter
	events   interfaces.EventService
	logger   arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.PostProcessor = (*Service)(nil)

// NewService creates the post-processor.
func NewService(
	storage interfaces.StorageManager,
	blobs interfaces.BlobStore,
	profiles interfaces.ProfileRegistry,
	limiter interfaces.Limiter,
	eventService interfaces.EventService,
	logger arbor.ILogger,
) *Service {
	return &Service{
		storage:  storage,
		blobs:    blobs,
		profiles: profiles,
		limiter:  limiter,
		events:   eventService,
		logger:   logger,
	}
}

// ProcessJob renames a single completed job. Jobs that are not COMPLETED or
// already carry a renamed artifact are skipped.
func (s *Service) ProcessJob(ctx context.Context, session *models.Session, job *models.Job, usedNames map[string]int) error {
	if job.Status != models.JobStatusCompleted || job.ProcessedFileUrl != "" {
		return nil
	}

	profile := s.profiles.Get(session.ModelID)
	newName := CanonicalName(profile, job.ExtractedFields, job.FileName, usedNames)
	return s.writeArtifact(ctx, session, job, newName)
}

// ProcessSession runs the renaming stage for every completed child job that
// still lacks a renamed artifact. Name assignment is sequential in page
// order so collision suffixes are deterministic; the blob copies run with
// bounded concurrency. Entry and exit drive the session status transitions,
// and re-entry after an interrupted run picks up where it left off.
func (s *Service) ProcessSession(ctx context.Context, sessionID string) error {
	sessions := s.storage.SessionStorage()

	session, err := sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	switch session.Status {
	case models.SessionStatusProcessing:
		if err := sessions.UpdateSessionStatus(ctx, sessionID, models.SessionStatusProcessing, models.SessionStatusPostProcessing); err != nil {
			return err
		}
		s.publishStatus(ctx, session, string(models.SessionStatusProcessing), string(models.SessionStatusPostProcessing))
	case models.SessionStatusPostProcessing:
		// Interrupted run being resumed.
	default:
		s.logger.Debug().
			Str("session_id", sessionID).
			Str("status", string(session.Status)).
			Msg("Session not eligible for post-processing")
		return nil
	}

	jobs, err := s.storage.JobStorage().ListChildJobsByStatus(ctx, sessionID, models.JobStatusCompleted)
	if err != nil {
		return err
	}

	profile := s.profiles.Get(session.ModelID)

	type task struct {
		job  *models.Job
		name string
	}
	usedNames := make(map[string]int)
	var tasks []task
	for _, job := range jobs {
		if job.ProcessedFileUrl != "" {
			usedNames[job.NewFileName]++
			continue
		}
		tasks = append(tasks, task{job: job, name: CanonicalName(profile, job.ExtractedFields, job.FileName, usedNames)})
	}

	slots := make(chan struct{}, s.limiter.MaxConcurrent())
	var wg sync.WaitGroup
	var failed int32
	for _, t := range tasks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case slots <- struct{}{}:
		}

		wg.Add(1)
		t := t
		common.SafeGo(s.logger, fmt.Sprintf("postprocess-%s", t.job.ID), func() {
			defer wg.Done()
			defer func() { <-slots }()
			if err := s.writeArtifact(ctx, session, t.job, t.name); err != nil {
				atomic.AddInt32(&failed, 1)
				s.logger.Warn().
					Err(err).
					Str("job_id", t.job.ID).
					Msg("Post-processing failed, packager will fall back to the original page")
			}
		})
	}
	wg.Wait()

	if err := sessions.UpdateSessionStatus(ctx, sessionID, models.SessionStatusPostProcessing, models.SessionStatusCompleted); err != nil {
		return err
	}
	s.publishStatus(ctx, session, string(models.SessionStatusPostProcessing), string(models.SessionStatusCompleted))

	s.logger.Info().
		Str("session_id", sessionID).
		Int("renamed", len(tasks)-int(failed)).
		Int("failed", int(failed)).
		Msg("Post-processing complete")
	return nil
}

// writeArtifact copies the source page to the processed area under its
// canonical name and records the result on the job and session.
func (s *Service) writeArtifact(ctx context.Context, session *models.Session, job *models.Job, newName string) error {
	data, err := s.blobs.Get(ctx, job.BlobUrl)
	if err != nil {
		return models.WrapError(models.ErrPostProcessFailed, "failed to read source page", err)
	}

	target := blob.ProcessedPath(session.UserID, session.ID, newName)
	if err := s.blobs.Put(ctx, target, data, &interfaces.BlobMeta{ContentType: "application/pdf"}); err != nil {
		return models.WrapError(models.ErrPostProcessFailed, "failed to write renamed artifact", err)
	}

	job.NewFileName = newName
	job.ProcessedFileUrl = target
	if err := s.storage.JobStorage().UpdateJob(ctx, job); err != nil {
		return models.WrapError(models.ErrPostProcessFailed, "failed to record renamed artifact", err)
	}

	if _, err := s.storage.SessionStorage().IncrementPostProcessedCount(ctx, session.ID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to advance post-processed count")
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("new_name", newName).
		Msg("Renamed artifact written")
	return nil
}

func (s *Service) publishStatus(ctx context.Context, session *models.Session, from, to string) {
	s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventSessionStatus,
		Payload: events.SessionStatusPayload{
			SessionID: session.ID,
			UserID:    session.UserID,
			From:      from,
			To:        to,
		},
	})
}
