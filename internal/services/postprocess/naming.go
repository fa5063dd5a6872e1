// -----------------------------------------------------------------------
// Canonical naming - derives renamed artifact names from extracted fields
// -----------------------------------------------------------------------

package postprocess

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/ternarybob/papyrus/internal/models"
	"github.com/ternarybob/papyrus/internal/services/normalizer"
)

const (
	maxCompanyLen = 50
	maxTicketLen  = 20

	fallbackCompany = "UnknownCompany"
	fallbackTicket  = "NoTicket"
)

// CanonicalName renders the profile's naming template from the job's
// extracted fields and resolves collisions within the session. usedNames
// tracks prior assignments; callers iterate jobs in page order so suffixes
// are deterministic.
func CanonicalName(profile *models.ModelProfile, fields map[string]interface{}, originalName string, usedNames map[string]int) string {
	ext := path.Ext(originalName)
	if ext == "" {
		ext = ".pdf"
	}

	company := SanitizeCompany(firstField(fields, profile.CompanyFields))
	if company == "" {
		company = fallbackCompany
	}

	ticket := SanitizeTicket(firstField(fields, profile.TicketFields))
	if ticket == "" {
		ticket = fallbackTicket
	}

	date := normalizeNameDate(firstField(fields, profile.DateFields))

	base := strings.NewReplacer(
		"{company}", company,
		"{ticket}", ticket,
		"{date}", date,
	).Replace(profile.NamingTemplate)

	name := base + ext
	usedNames[name]++
	if usedNames[name] == 1 {
		return name
	}

	// Suffix in page order, probing past names claimed by earlier runs.
	for n := usedNames[name]; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", base, n, ext)
		if usedNames[candidate] == 0 {
			usedNames[candidate] = 1
			return candidate
		}
	}
}

// firstField returns the first non-empty normalized value among the
// candidate field names.
func firstField(fields map[string]interface{}, candidates []string) string {
	for _, key := range candidates {
		if raw, ok := fields[key]; ok {
			if value := normalizer.ExtractValue(raw); value != "" {
				return value
			}
		}
	}
	return ""
}

// SanitizeCompany keeps alphanumerics and spaces, collapses whitespace runs
// to single underscores, and truncates to the length cap.
func SanitizeCompany(value string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteByte('_')
			}
			lastSpace = true
		}
	}
	out := strings.TrimRight(b.String(), "_")
	return truncate(out, maxCompanyLen)
}

// SanitizeTicket keeps alphanumerics only and truncates to the length cap.
func SanitizeTicket(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return truncate(b.String(), maxTicketLen)
}

// truncate caps the string at max runes without splitting a multibyte rune.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}

// normalizeNameDate resolves the date placeholder. Unparseable or missing
// dates fall back to today in UTC, never to the epoch.
func normalizeNameDate(value string) string {
	if value != "" {
		if date, ok := normalizer.NormalizeDate(value); ok {
			return date
		}
	}
	return time.Now().UTC().Format(normalizer.ISODate)
}
