package blob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPathContract(t *testing.T) {
	ts := Timestamp(time.Date(2025, 6, 5, 10, 30, 0, 0, time.UTC))
	assert.Equal(t, "20250605103000", ts)

	assert.Equal(t,
		"users/u1/sessions/ses_1/",
		SessionPrefix("u1", "ses_1"))

	assert.Equal(t,
		"users/u1/sessions/ses_1/originals/20250605103000_abc123_invoice.pdf",
		OriginalPath("u1", "ses_1", ts, "abc123", "invoice.pdf"))

	assert.Equal(t,
		"users/u1/sessions/ses_1/pages/20250605103000_abc123_invoice_page_3.pdf",
		PagePath("u1", "ses_1", ts, "abc123", "invoice.pdf", 3))

	assert.Equal(t,
		"users/u1/sessions/ses_1/processed/Acme_INV42_2025-06-05.pdf",
		ProcessedPath("u1", "ses_1", "Acme_INV42_2025-06-05.pdf"))

	assert.Equal(t,
		"users/u1/sessions/ses_1/exports/session_ses_1_20250605103000.zip",
		ExportPath("u1", "ses_1", ts))
}

func TestStem(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"invoice.pdf", "invoice"},
		{"invoice", "invoice"},
		{"weekly report.PDF", "weekly report"},
		{"archive.tar.gz", "archive.tar"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Stem(tt.name), "Stem(%q)", tt.name)
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"invoice.pdf", "invoice.pdf"},
		{"../../etc/passwd", "passwd"},
		{"dir/sub/file.pdf", "file.pdf"},
		{"C:\\Users\\x\\doc.pdf", "doc.pdf"},
		{"", "unnamed"},
		{"..", "_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeName(tt.name), "SafeName(%q)", tt.name)
	}
}
