// -----------------------------------------------------------------------
// Packager - streams the session archive: renamed pages plus summary table
// -----------------------------------------------------------------------

package packager

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/services/normalizer"
)

// Service streams the downloadable session archive. Pages land under a
// processed/ folder; jobs whose rename failed fall back to the original
// page blob under the most specific name available. One page blob is in
// memory at a time, never the whole archive.
type Service struct {
	storage  interfaces.StorageManager
	blobs    interfaces.BlobStore
	profiles interfaces.ProfileRegistry
	logger   arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.Packager = (*Service)(nil)

// NewService creates the packager.
func NewService(storage interfaces.StorageManager, blobs interfaces.BlobStore, profiles interfaces.ProfileRegistry, logger arbor.ILogger) *Service {
	return &Service{
		storage:  storage,
		blobs:    blobs,
		profiles: profiles,
		logger:   logger,
	}
}

// WriteArchive streams the archive for a session to w. Output is
// deterministic for a fixed session state: entries follow page order and
// the summary columns follow the profile.
func (s *Service) WriteArchive(ctx context.Context, sessionID string, w io.Writer) error {
	session, err := s.storage.SessionStorage().GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	jobs, err := s.storage.JobStorage().ListChildJobs(ctx, sessionID)
	if err != nil {
		return err
	}

	profile := s.profiles.Get(session.ModelID)
	zw := zip.NewWriter(w)

	for _, job := range jobs {
		name, data, err := s.pageEntry(ctx, job)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("job_id", job.ID).
				Msg("Page blob unavailable, omitting from archive")
			continue
		}
		entry, err := zw.Create("processed/" + name)
		if err != nil {
			return fmt.Errorf("failed to create archive entry: %w", err)
		}
		if _, err := entry.Write(data); err != nil {
			return fmt.Errorf("failed to write archive entry: %w", err)
		}
	}

	if err := s.writeSummary(zw, sessionID, profile, jobs); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Int("pages", len(jobs)).
		Msg("Session archive streamed")
	return nil
}

// pageEntry resolves the blob and archive name for one page, preferring the
// renamed artifact and falling back to the original page blob.
func (s *Service) pageEntry(ctx context.Context, job *models.Job) (string, []byte, error) {
	if job.ProcessedFileUrl != "" {
		data, err := s.blobs.Get(ctx, job.ProcessedFileUrl)
		if err == nil {
			return job.NewFileName, data, nil
		}
		s.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Msg("Renamed artifact unavailable, falling back to original page")
	}

	name := job.NewFileName
	if name == "" {
		name = job.FileName
	}
	data, err := s.blobs.Get(ctx, job.BlobUrl)
	if err != nil {
		return "", nil, err
	}
	return name, data, nil
}

// writeSummary appends the summary_{sessionId} table: the profile's
// allow-listed columns in fixed order, then File Name, Status, Confidence.
func (s *Service) writeSummary(zw *zip.Writer, sessionID string, profile *models.ModelProfile, jobs []*models.Job) error {
	entry, err := zw.Create(fmt.Sprintf("summary_%s.csv", sessionID))
	if err != nil {
		return fmt.Errorf("failed to create summary entry: %w", err)
	}

	columns := allowedColumns(profile)
	header := append(append([]string{}, columns...), "File Name", "Status", "Confidence")

	cw := csv.NewWriter(entry)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write summary header: %w", err)
	}

	for _, job := range jobs {
		row := make([]string, 0, len(header))
		for _, column := range columns {
			row = append(row, summaryCell(profile, column, job))
		}
		row = append(row, displayName(job), string(job.Status), confidenceCell(job))
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write summary row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// allowedColumns returns the profile columns minus the deny-list, order
// preserved.
func allowedColumns(profile *models.ModelProfile) []string {
	columns := make([]string, 0, len(profile.Columns))
	for _, column := range profile.Columns {
		if !profile.Denied(column) {
			columns = append(columns, column)
		}
	}
	return columns
}

// summaryCell renders one extracted field. Date columns are normalized;
// unparseable dates surface the original literal.
func summaryCell(profile *models.ModelProfile, column string, job *models.Job) string {
	if job.ExtractedFields == nil {
		return ""
	}
	raw, ok := job.ExtractedFields[column]
	if !ok {
		return ""
	}
	value := normalizer.ExtractValue(raw)
	if value == "" {
		return ""
	}
	if isDateColumn(profile, column) {
		if iso, ok := normalizer.NormalizeDate(value); ok {
			return iso
		}
	}
	return value
}

func isDateColumn(profile *models.ModelProfile, column string) bool {
	for _, field := range profile.DateFields {
		if field == column {
			return true
		}
	}
	return false
}

// displayName is the most specific name known for the page.
func displayName(job *models.Job) string {
	if job.NewFileName != "" {
		return job.NewFileName
	}
	return job.FileName
}

func confidenceCell(job *models.Job) string {
	raw, ok := job.ExtractedFields[normalizer.ConfidenceKey]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', 2, 64)
	case string:
		return v
	default:
		return ""
	}
}
