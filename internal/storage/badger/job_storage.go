package badger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger

	// mu serializes conditional job updates, same rationale as sessions.
	mu sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// SaveJobs persists a batch of jobs. Used during session creation where the
// whole forest must land before processing starts.
func (s *JobStorage) SaveJobs(ctx context.Context, jobs []*models.Job) error {
	for _, job := range jobs {
		if err := s.SaveJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewError(models.ErrNotFound, fmt.Sprintf("job not found: %s", id))
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SaveJob(ctx, job)
}

// UpdateJobStatus applies the transition only when the stored status still
// equals from. This keeps terminal accounting exactly-once when workers and
// cancellation race.
func (s *JobStorage) UpdateJobStatus(ctx context.Context, id string, from, to models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.NewError(models.ErrNotFound, fmt.Sprintf("job not found: %s", id))
		}
		return fmt.Errorf("failed to get job: %w", err)
	}

	if job.Status != from {
		return fmt.Errorf("job %s status is %s, expected %s", id, job.Status, from)
	}

	switch to {
	case models.JobStatusProcessing:
		job.MarkProcessing()
	case models.JobStatusPolling:
		job.MarkPolling(job.OperationID)
	case models.JobStatusCancelled:
		job.MarkCancelled()
	case models.JobStatusExpired:
		job.MarkExpired()
	default:
		job.Status = to
	}

	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// SetJobOperation stores the provider operation handle so an interrupted
// poll loop can resume after restart. Terminal jobs reject the write.
func (s *JobStorage) SetJobOperation(ctx context.Context, id, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.NewError(models.ErrNotFound, fmt.Sprintf("job not found: %s", id))
		}
		return fmt.Errorf("failed to get job: %w", err)
	}

	if job.IsTerminal() {
		return fmt.Errorf("job %s is %s, cannot record operation", id, job.Status)
	}

	job.OperationID = operationID
	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// CompleteJob moves a non-terminal job to COMPLETED with its extracted
// fields. Loses to any terminal state already written.
func (s *JobStorage) CompleteJob(ctx context.Context, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.NewError(models.ErrNotFound, fmt.Sprintf("job not found: %s", id))
		}
		return fmt.Errorf("failed to get job: %w", err)
	}

	if job.IsTerminal() {
		return fmt.Errorf("job %s is already %s", id, job.Status)
	}

	job.MarkCompleted(fields)
	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// FailJob moves a non-terminal job to FAILED with its error description.
func (s *JobStorage) FailJob(ctx context.Context, id, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.NewError(models.ErrNotFound, fmt.Sprintf("job not found: %s", id))
		}
		return fmt.Errorf("failed to get job: %w", err)
	}

	if job.IsTerminal() {
		return fmt.Errorf("job %s is already %s", id, job.Status)
	}

	job.MarkFailed(errorMsg)
	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

func (s *JobStorage) ListJobsBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("SessionID").Eq(sessionID)); err != nil {
		return nil, fmt.Errorf("failed to list jobs by session: %w", err)
	}
	sortJobs(jobs)
	return toJobPointers(jobs), nil
}

// ListChildJobs returns the session's dispatchable single-page jobs ordered
// by parent then page number, which is also the summary row order.
func (s *JobStorage) ListChildJobs(ctx context.Context, sessionID string) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("SessionID").Eq(sessionID).And("ParentJobID").Ne("")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list child jobs: %w", err)
	}
	sortJobs(jobs)
	return toJobPointers(jobs), nil
}

func (s *JobStorage) ListChildJobsByStatus(ctx context.Context, sessionID string, statuses ...models.JobStatus) ([]*models.Job, error) {
	values := make([]interface{}, len(statuses))
	for i, status := range statuses {
		values[i] = status
	}

	var jobs []models.Job
	query := badgerhold.Where("SessionID").Eq(sessionID).And("ParentJobID").Ne("").And("Status").In(values...)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list child jobs by status: %w", err)
	}
	sortJobs(jobs)
	return toJobPointers(jobs), nil
}

func (s *JobStorage) CountChildJobsByStatus(ctx context.Context, sessionID string) (map[models.JobStatus]int, error) {
	var jobs []models.Job
	query := badgerhold.Where("SessionID").Eq(sessionID).And("ParentJobID").Ne("")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to count child jobs: %w", err)
	}

	counts := make(map[models.JobStatus]int)
	for _, job := range jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// MarkNonTerminalJobsExpired flips every non-terminal job of the session to
// EXPIRED. Jobs already terminal keep their status so counters stay honest.
func (s *JobStorage) MarkNonTerminalJobsExpired(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("SessionID").Eq(sessionID)); err != nil {
		return 0, fmt.Errorf("failed to list session jobs: %w", err)
	}

	count := 0
	for i := range jobs {
		job := &jobs[i]
		if job.IsTerminal() {
			continue
		}
		job.MarkExpired()
		if err := s.db.Store().Upsert(job.ID, job); err != nil {
			return count, fmt.Errorf("failed to expire job %s: %w", job.ID, err)
		}
		count++
	}
	return count, nil
}

// MarkNonTerminalJobsCancelled flips every non-terminal job of the session
// to CANCELLED. In-flight dispatch workers then lose their terminal write.
func (s *JobStorage) MarkNonTerminalJobsCancelled(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("SessionID").Eq(sessionID)); err != nil {
		return 0, fmt.Errorf("failed to list session jobs: %w", err)
	}

	count := 0
	for i := range jobs {
		job := &jobs[i]
		if job.IsTerminal() {
			continue
		}
		job.MarkCancelled()
		if err := s.db.Store().Upsert(job.ID, job); err != nil {
			return count, fmt.Errorf("failed to cancel job %s: %w", job.ID, err)
		}
		count++
	}
	return count, nil
}

// sortJobs orders by creation time, then page number, so pages of file A
// never interleave with file B. Jobs are created file by file, page by page.
func sortJobs(jobs []models.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ParentJobID != b.ParentJobID {
			return a.ParentJobID < b.ParentJobID
		}
		return a.SplitPageNumber < b.SplitPageNumber
	})
}

func toJobPointers(jobs []models.Job) []*models.Job {
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result
}
