// -----------------------------------------------------------------------
// Job - Per-page processing unit owned by a session
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// JobStatus represents the state of a processing job.
//
// Within a single job, transitions are strictly serialized:
//
//	QUEUED ≤ UPLOADING ≤ PROCESSING ≤ POLLING ≤ (COMPLETED | FAILED)
//
// EXPIRED and CANCELLED may pre-empt any non-terminal state.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusUploading  JobStatus = "UPLOADING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusPolling    JobStatus = "POLLING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusExpired    JobStatus = "EXPIRED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Job is the processing unit for one page of an uploaded document.
//
// Jobs form a forest of depth 1 within a session:
//   - Parent jobs (ParentJobID empty) represent the originally uploaded file.
//     They carry PageCount and are never dispatched to the extractor.
//   - Child jobs (ParentJobID set) represent exactly one page. They always
//     have SplitPageNumber ≥ 1 and are the dispatcher's work units.
type Job struct {
	ID        string `json:"id" badgerhold:"key"`
	SessionID string `json:"session_id" badgerhold:"index"`

	// ParentJobID references the parent job within the same session.
	// Empty for parent jobs.
	ParentJobID string `json:"parent_job_id,omitempty" badgerhold:"index"`

	// FileName is the stored name at the job's blob path (not the original
	// upload name, which survives only as a suffix of it).
	FileName string `json:"file_name"`

	// SplitPageNumber is the 1-based page index for child jobs, 0 for parents.
	SplitPageNumber int `json:"split_page_number,omitempty"`

	Status JobStatus `json:"status" badgerhold:"index"`

	// BlobUrl is the input blob path; ProcessedFileUrl the renamed output,
	// set only when post-processing succeeded.
	BlobUrl          string `json:"blob_url"`
	ProcessedFileUrl string `json:"processed_file_url,omitempty"`

	// OperationID is the provider's long-running-operation handle, recorded
	// at submit time so an interrupted poll loop can resume after restart.
	OperationID string `json:"operation_id,omitempty"`

	// ExtractedFields holds the normalized provider result. The internal
	// "_confidence" key carries the overall confidence for the page.
	ExtractedFields map[string]interface{} `json:"extracted_fields,omitempty"`

	// NewFileName is the canonical name derived by the post-processor.
	NewFileName string `json:"new_file_name,omitempty"`

	PageCount      int `json:"page_count"`
	PagesProcessed int `json:"pages_processed"`

	// Error is empty unless Status is FAILED; it carries the error kind and
	// a short description.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewParentJob creates the metadata row for an uploaded file.
func NewParentJob(id, sessionID, fileName, blobUrl string, pageCount int) *Job {
	return &Job{
		ID:        id,
		SessionID: sessionID,
		FileName:  fileName,
		Status:    JobStatusQueued,
		BlobUrl:   blobUrl,
		PageCount: pageCount,
		CreatedAt: time.Now().UTC(),
	}
}

// NewChildJob creates a single-page work unit under a parent job.
func NewChildJob(id, sessionID, parentJobID, fileName, blobUrl string, pageNumber int) *Job {
	return &Job{
		ID:              id,
		SessionID:       sessionID,
		ParentJobID:     parentJobID,
		FileName:        fileName,
		SplitPageNumber: pageNumber,
		Status:          JobStatusQueued,
		BlobUrl:         blobUrl,
		PageCount:       1,
		CreatedAt:       time.Now().UTC(),
	}
}

// IsParent returns true for the metadata row of an uploaded file.
func (j *Job) IsParent() bool {
	return j.ParentJobID == ""
}

// IsChild returns true for dispatchable single-page jobs.
func (j *Job) IsChild() bool {
	return j.ParentJobID != ""
}

// IsTerminal returns true once the job can change state no further.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusExpired, JobStatusCancelled:
		return true
	}
	return false
}

// MarkProcessing records the submit attempt beginning.
func (j *Job) MarkProcessing() {
	j.Status = JobStatusProcessing
	if j.StartedAt == nil {
		now := time.Now().UTC()
		j.StartedAt = &now
	}
}

// MarkPolling records a successful submit with the operation handle.
func (j *Job) MarkPolling(operationID string) {
	j.Status = JobStatusPolling
	j.OperationID = operationID
}

// MarkCompleted records provider success with the extracted fields.
func (j *Job) MarkCompleted(fields map[string]interface{}) {
	j.Status = JobStatusCompleted
	j.ExtractedFields = fields
	j.PagesProcessed = j.PageCount
	now := time.Now().UTC()
	j.CompletedAt = &now
}

// MarkFailed records a terminal failure with its error kind.
func (j *Job) MarkFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.Error = errorMsg
	now := time.Now().UTC()
	j.CompletedAt = &now
}

// MarkCancelled is applied when session cancellation reaches the job before
// it went terminal.
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := time.Now().UTC()
	j.CompletedAt = &now
}

// MarkExpired is applied by lifecycle cleanup to non-terminal jobs.
func (j *Job) MarkExpired() {
	j.Status = JobStatusExpired
	now := time.Now().UTC()
	j.CompletedAt = &now
}
