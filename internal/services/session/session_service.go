// -----------------------------------------------------------------------
// Session Coordinator - owns the session state machine and job forest
// -----------------------------------------------------------------------

package session

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/services/events"
	"github.com/ternarybob/papyrus/internal/storage/blob"
)

// Service coordinates the full session lifecycle: it validates uploads,
// reserves credits, builds the parent/child job forest, uploads blobs under
// the session prefix, and supervises the dispatch and post-processing stages
// until the session reaches a terminal state.
//
// Supervision runs on a background context owned by the service, not the
// request context, so an upload response returning does not abort the
// pipeline.
type Service struct {
	config     *common.Config
	storage    interfaces.StorageManager
	blobs      interfaces.BlobStore
	splitter   interfaces.PageSplitter
	dispatcher interfaces.Dispatcher
	postproc   interfaces.PostProcessor
	credits    interfaces.CreditService
	lifecycle  interfaces.LifecycleService
	events     interfaces.EventService
	logger     arbor.ILogger

	runCtx    context.Context
	runCancel context.CancelFunc
}

// Compile-time interface assertion
var _ interfaces.SessionCoordinator = (*Service)(nil)

// NewService creates the session coordinator. The lifecycle service may be
// nil in tests; expiry timers are then not armed.
func NewService(
	config *common.Config,
	storage interfaces.StorageManager,
	blobs interfaces.BlobStore,
	pageSplitter interfaces.PageSplitter,
	dispatch interfaces.Dispatcher,
	postProcessor interfaces.PostProcessor,
	creditService interfaces.CreditService,
	lifecycleService interfaces.LifecycleService,
	eventService interfaces.EventService,
	logger arbor.ILogger,
) *Service {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Service{
		config:     config,
		storage:    storage,
		blobs:      blobs,
		splitter:   pageSplitter,
		dispatcher: dispatch,
		postproc:   postProcessor,
		credits:    creditService,
		lifecycle:  lifecycleService,
		events:     eventService,
		logger:     logger,
		runCtx:     runCtx,
		runCancel:  runCancel,
	}
}

// Stop cancels background supervision. Interrupted sessions keep their
// status and resume through Recover on the next start.
func (s *Service) Stop() {
	s.runCancel()
}

// Create validates the upload, charges credits for the total page count,
// persists the session with its job forest, uploads originals and split
// pages, and starts pipeline supervision. The session is returned in
// PROCESSING state.
func (s *Service) Create(ctx context.Context, userID string, files []interfaces.UploadFile, modelID string) (*models.Session, []*models.Job, error) {
	if userID == "" {
		return nil, nil, models.NewError(models.ErrInvalidInput, "user ID is required")
	}
	if len(files) == 0 {
		return nil, nil, models.NewError(models.ErrInvalidInput, "no files uploaded")
	}
	if max := s.config.Session.MaxFilesPerSession; max > 0 && len(files) > max {
		return nil, nil, models.NewError(models.ErrInvalidInput,
			fmt.Sprintf("too many files: %d exceeds the limit of %d", len(files), max))
	}
	maxSize := s.config.Session.MaxFileSize
	for _, file := range files {
		if maxSize > 0 && int64(len(file.Data)) > maxSize {
			return nil, nil, models.NewError(models.ErrInvalidInput,
				fmt.Sprintf("file %s exceeds the size limit of %d bytes", file.Name, maxSize))
		}
	}

	// Counting pass. The page total prices the upload before anything is
	// stored, and a corrupt file rejects the whole batch up front.
	pageCounts := make([]int, len(files))
	totalPages := 0
	for i, file := range files {
		count, err := s.splitter.CountPages(file.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("file %s: %w", file.Name, err)
		}
		pageCounts[i] = count
		totalPages += count
	}

	if modelID == "" {
		modelID = s.config.Session.DefaultModel
	}

	if err := s.credits.Reserve(ctx, userID, totalPages); err != nil {
		return nil, nil, err
	}

	session := models.NewSession(common.NewSessionID(), userID, modelID, s.config.Session.RetentionDuration())
	session.TotalFiles = len(files)
	session.TotalPages = totalPages

	if err := s.storage.SessionStorage().SaveSession(ctx, session); err != nil {
		s.refund(ctx, userID, totalPages)
		return nil, nil, models.WrapError(models.ErrStorageUnavailable, "failed to persist session", err)
	}

	jobs, err := s.buildForest(ctx, session, files, pageCounts)
	if err != nil {
		return nil, nil, s.abortCreate(ctx, session, err)
	}

	if err := s.uploadBlobs(ctx, session, files, jobs); err != nil {
		return nil, nil, s.abortCreate(ctx, session, err)
	}

	if err := s.storage.SessionStorage().UpdateSessionStatus(ctx, session.ID,
		models.SessionStatusUploading, models.SessionStatusProcessing); err != nil {
		return nil, nil, s.abortCreate(ctx, session, models.WrapError(models.ErrStorageUnavailable, "failed to start processing", err))
	}
	session.MarkProcessing()

	s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventSessionCreated,
		Payload: events.SessionCreatedPayload{
			SessionID:  session.ID,
			UserID:     session.UserID,
			FileCount:  session.TotalFiles,
			TotalPages: session.TotalPages,
		},
	})
	s.publishStatus(ctx, session, models.SessionStatusUploading, models.SessionStatusProcessing, "")

	if s.lifecycle != nil {
		s.lifecycle.Schedule(session)
	}
	s.supervise(session.ID)

	s.logger.Info().
		Str("session_id", session.ID).
		Str("user_id", userID).
		Int("files", session.TotalFiles).
		Int("pages", session.TotalPages).
		Msg("Session created")
	return session, jobs, nil
}

// GetStatus returns the aggregated read model for one session. A session
// past its retention deadline reads as EXPIRED even before the cleanup
// sweep persists the transition.
func (s *Service) GetStatus(ctx context.Context, sessionID string) (*interfaces.SessionStatusView, error) {
	session, err := s.storage.SessionStorage().GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusExpired && session.IsExpired(time.Now().UTC()) {
		session.MarkExpired()
	}
	if session.Status == models.SessionStatusCompleted && session.ZipURL == "" {
		session.ZipURL = fmt.Sprintf("/api/sessions/%s/download", session.ID)
	}

	counts, err := s.storage.JobStorage().CountChildJobsByStatus(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	credits, err := s.credits.Balance(ctx, session.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", session.UserID).Msg("Failed to read credit balance for status view")
	}

	return &interfaces.SessionStatusView{
		Session:       session,
		Progress:      session.Progress(),
		CompletedJobs: counts[models.JobStatusCompleted],
		FailedJobs:    counts[models.JobStatusFailed],
		UserCredits:   credits,
	}, nil
}

// Cancel moves the session to CANCELLED and flips every non-terminal job so
// in-flight dispatch work loses its terminal write. Already-submitted
// provider operations are not aborted remotely; their results are discarded.
// Cancelling a terminal session is a no-op.
func (s *Service) Cancel(ctx context.Context, sessionID string) error {
	session, err := s.storage.SessionStorage().GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.IsTerminal() {
		return nil
	}

	if err := s.storage.SessionStorage().UpdateSessionStatus(ctx, sessionID, session.Status, models.SessionStatusCancelled); err != nil {
		// Lost a race with another transition. Terminal now means the
		// cancellation is moot; anything else is a real failure.
		current, getErr := s.storage.SessionStorage().GetSession(ctx, sessionID)
		if getErr == nil && current.IsTerminal() {
			return nil
		}
		return fmt.Errorf("failed to cancel session: %w", err)
	}

	cancelled, err := s.storage.JobStorage().MarkNonTerminalJobsCancelled(ctx, sessionID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to cancel session jobs")
	}

	s.publishStatus(ctx, session, session.Status, models.SessionStatusCancelled, "")
	s.logger.Info().
		Str("session_id", sessionID).
		Int("jobs_cancelled", cancelled).
		Msg("Session cancelled")
	return nil
}

// ListSessions returns the user's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	return s.storage.SessionStorage().ListSessionsByUser(ctx, userID)
}

// ListJobs returns every job of the session, parents and children, in
// creation and page order.
func (s *Service) ListJobs(ctx context.Context, sessionID string) ([]*models.Job, error) {
	if _, err := s.storage.SessionStorage().GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.storage.JobStorage().ListJobsBySession(ctx, sessionID)
}

// Recover restarts supervision for sessions a previous process left
// mid-pipeline. Sessions stuck in UPLOADING were interrupted before their
// forest was complete; they fail and their reserved pages are refunded.
func (s *Service) Recover(ctx context.Context) error {
	sessions := s.storage.SessionStorage()

	uploading, err := sessions.ListSessionsByStatus(ctx, models.SessionStatusUploading)
	if err != nil {
		return fmt.Errorf("failed to list interrupted sessions: %w", err)
	}
	for _, session := range uploading {
		if err := sessions.FailSession(ctx, session.ID, "interrupted during upload"); err != nil {
			s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to fail interrupted session")
			continue
		}
		s.refund(ctx, session.UserID, session.TotalPages)
		s.logger.Warn().
			Str("session_id", session.ID).
			Msg("Session interrupted during upload, marked failed")
	}

	resumed := 0
	for _, status := range []models.SessionStatus{models.SessionStatusProcessing, models.SessionStatusPostProcessing} {
		list, err := sessions.ListSessionsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s sessions: %w", status, err)
		}
		for _, session := range list {
			if session.IsExpired(time.Now().UTC()) {
				continue
			}
			if s.lifecycle != nil {
				s.lifecycle.Schedule(session)
			}
			s.supervise(session.ID)
			resumed++
		}
	}

	if len(uploading) > 0 || resumed > 0 {
		s.logger.Info().
			Int("resumed", resumed).
			Int("failed", len(uploading)).
			Msg("Session recovery complete")
	}
	return nil
}

// buildForest persists the parent and child job rows for every file before
// any blob is written. Blob paths are fixed up front so an interrupted
// upload can be reasoned about from the rows alone.
func (s *Service) buildForest(ctx context.Context, session *models.Session, files []interfaces.UploadFile, pageCounts []int) ([]*models.Job, error) {
	timestamp := blob.Timestamp(session.CreatedAt)
	jobs := make([]*models.Job, 0, len(files)+session.TotalPages)

	for i, file := range files {
		token := common.UniqueToken(6)
		originalPath := blob.OriginalPath(session.UserID, session.ID, timestamp, token, file.Name)

		parent := models.NewParentJob(common.NewJobID(), session.ID, blob.SafeName(file.Name), originalPath, pageCounts[i])
		jobs = append(jobs, parent)

		for page := 1; page <= pageCounts[i]; page++ {
			pagePath := blob.PagePath(session.UserID, session.ID, timestamp, token, file.Name, page)
			child := models.NewChildJob(common.NewJobID(), session.ID, parent.ID, path.Base(pagePath), pagePath, page)
			jobs = append(jobs, child)
		}
	}

	if err := s.storage.JobStorage().SaveJobs(ctx, jobs); err != nil {
		return nil, models.WrapError(models.ErrStorageUnavailable, "failed to persist jobs", err)
	}
	return jobs, nil
}

// uploadBlobs stores each original and its split pages at the paths already
// recorded on the job rows. Child jobs pass through UPLOADING while their
// page is written.
func (s *Service) uploadBlobs(ctx context.Context, session *models.Session, files []interfaces.UploadFile, jobs []*models.Job) error {
	jobStorage := s.storage.JobStorage()

	childrenByParent := make(map[string][]*models.Job)
	parents := make([]*models.Job, 0, len(files))
	for _, job := range jobs {
		if job.IsParent() {
			parents = append(parents, job)
			continue
		}
		childrenByParent[job.ParentJobID] = append(childrenByParent[job.ParentJobID], job)
	}

	for i, file := range files {
		parent := parents[i]
		meta := &interfaces.BlobMeta{
			ContentType: file.ContentType,
			Metadata:    map[string]string{"original_name": file.Name},
		}
		if err := s.blobs.Put(ctx, parent.BlobUrl, file.Data, meta); err != nil {
			return models.WrapError(models.ErrStorageUnavailable,
				fmt.Sprintf("failed to store original %s", file.Name), err)
		}

		pages, err := s.splitter.SplitPages(ctx, file.Data)
		if err != nil {
			return fmt.Errorf("file %s: %w", file.Name, err)
		}
		children := childrenByParent[parent.ID]
		if len(pages) != len(children) {
			return models.NewError(models.ErrCorruptInput,
				fmt.Sprintf("file %s: page count changed during split", file.Name))
		}

		for p, child := range children {
			if err := jobStorage.UpdateJobStatus(ctx, child.ID, models.JobStatusQueued, models.JobStatusUploading); err != nil {
				return models.WrapError(models.ErrStorageUnavailable, "failed to advance job", err)
			}
			pageMeta := &interfaces.BlobMeta{ContentType: "application/pdf"}
			if err := s.blobs.Put(ctx, child.BlobUrl, pages[p], pageMeta); err != nil {
				return models.WrapError(models.ErrStorageUnavailable,
					fmt.Sprintf("failed to store page %d of %s", child.SplitPageNumber, file.Name), err)
			}
		}
	}
	return nil
}

// abortCreate unwinds a partially created session: the reserved pages are
// refunded, written blobs are discarded, and the session row is failed.
// Job rows stay behind for the retention sweep to expire.
func (s *Service) abortCreate(ctx context.Context, session *models.Session, cause error) error {
	s.refund(ctx, session.UserID, session.TotalPages)

	if _, err := s.blobs.DeleteByPrefix(ctx, session.BlobPrefix); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to discard blobs of aborted session")
	}
	if err := s.storage.SessionStorage().FailSession(ctx, session.ID, cause.Error()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to mark aborted session")
	}

	s.logger.Warn().
		Err(cause).
		Str("session_id", session.ID).
		Msg("Session creation aborted")
	return cause
}

func (s *Service) refund(ctx context.Context, userID string, pages int) {
	if err := s.credits.Refund(ctx, userID, pages); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Int("pages", pages).Msg("Failed to refund credits")
	}
}

// supervise drives the dispatch and post-processing stages for one session
// on the service's background context.
func (s *Service) supervise(sessionID string) {
	common.SafeGo(s.logger, fmt.Sprintf("session-%s", sessionID), func() {
		s.runPipeline(s.runCtx, sessionID)
	})
}

// runPipeline executes dispatch then post-processing. Interruption by
// shutdown leaves the session resumable; any other stage error is a
// coordinator-level failure and fails the session.
func (s *Service) runPipeline(ctx context.Context, sessionID string) {
	if err := s.dispatcher.ProcessSession(ctx, sessionID); err != nil {
		s.stageFailed(ctx, sessionID, "dispatch", err)
		return
	}
	if err := s.postproc.ProcessSession(ctx, sessionID); err != nil {
		s.stageFailed(ctx, sessionID, "post-processing", err)
		return
	}
}

func (s *Service) stageFailed(ctx context.Context, sessionID, stage string, cause error) {
	if ctx.Err() != nil {
		s.logger.Debug().
			Str("session_id", sessionID).
			Str("stage", stage).
			Msg("Pipeline interrupted by shutdown, session stays resumable")
		return
	}

	s.logger.Error().
		Err(cause).
		Str("session_id", sessionID).
		Str("stage", stage).
		Msg("Pipeline stage failed")

	// The supervision context may be gone; the failure write must not be.
	if err := s.storage.SessionStorage().FailSession(context.Background(), sessionID, cause.Error()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to record session failure")
		return
	}

	session, err := s.storage.SessionStorage().GetSession(context.Background(), sessionID)
	if err == nil {
		s.publishStatus(context.Background(), session, models.SessionStatusProcessing, models.SessionStatusFailed, cause.Error())
	}
}

func (s *Service) publishStatus(ctx context.Context, session *models.Session, from, to models.SessionStatus, errMsg string) {
	s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventSessionStatus,
		Payload: events.SessionStatusPayload{
			SessionID: session.ID,
			UserID:    session.UserID,
			From:      string(from),
			To:        string(to),
			Error:     errMsg,
		},
	})
}
