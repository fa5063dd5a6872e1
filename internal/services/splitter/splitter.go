// -----------------------------------------------------------------------
// Page Splitter - decomposes uploads into self-contained single-page PDFs
// Uses pdfcpu for Go-native PDF processing
// -----------------------------------------------------------------------

package splitter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
)

var pdfMagic = []byte("%PDF-")

// Service implements the PageSplitter interface using pdfcpu. Splitting
// trims the source document page by page, which keeps dimensions, fonts and
// content streams intact.
type Service struct {
	logger  arbor.ILogger
	tempDir string
}

// Compile-time interface assertion
var _ interfaces.PageSplitter = (*Service)(nil)

// NewService creates a new page splitter service
func NewService(logger arbor.ILogger) *Service {
	tempDir := filepath.Join(os.TempDir(), "papyrus-split")
	os.MkdirAll(tempDir, 0755)

	return &Service{
		logger:  logger,
		tempDir: tempDir,
	}
}

// CountPages returns the page count without splitting. Non-PDF payloads
// count as a single page; an empty or unreadable PDF is CORRUPT_INPUT.
func (s *Service) CountPages(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, models.NewError(models.ErrCorruptInput, "empty file")
	}
	if !isPDF(data) {
		return 1, nil
	}

	tempFile, cleanup, err := s.writeTemp(data)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return 0, models.WrapError(models.ErrCorruptInput, "failed to determine page count", err)
	}
	if pdfCtx.PageCount < 1 {
		return 0, models.NewError(models.ErrCorruptInput, "document has no pages")
	}
	return pdfCtx.PageCount, nil
}

// SplitPages returns one self-contained PDF per page, in page order. A
// single-page document is passed through without a re-write; a non-PDF
// payload yields itself as the only element.
func (s *Service) SplitPages(ctx context.Context, data []byte) ([][]byte, error) {
	pageCount, err := s.CountPages(data)
	if err != nil {
		return nil, err
	}
	if pageCount == 1 {
		return [][]byte{data}, nil
	}

	tempFile, cleanup, err := s.writeTemp(data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	outDir, err := os.MkdirTemp(s.tempDir, "pages_")
	if err != nil {
		return nil, fmt.Errorf("failed to create split directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	pages := make([][]byte, 0, pageCount)
	for page := 1; page <= pageCount; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outFile := filepath.Join(outDir, fmt.Sprintf("page_%d.pdf", page))
		if err := api.TrimFile(tempFile, outFile, []string{strconv.Itoa(page)}, conf); err != nil {
			return nil, models.WrapError(models.ErrCorruptInput, fmt.Sprintf("failed to extract page %d", page), err)
		}

		content, err := os.ReadFile(outFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read split page %d: %w", page, err)
		}
		pages = append(pages, content)
	}

	s.logger.Debug().Int("pages", pageCount).Msg("Split document into single-page files")
	return pages, nil
}

// writeTemp stores the payload in a uniquely named temp file.
func (s *Service) writeTemp(data []byte) (string, func(), error) {
	f, err := os.CreateTemp(s.tempDir, "doc_*.pdf")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp PDF file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", nil, fmt.Errorf("failed to write temp PDF file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", nil, fmt.Errorf("failed to close temp PDF file: %w", err)
	}
	return name, func() { os.Remove(name) }, nil
}

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}
