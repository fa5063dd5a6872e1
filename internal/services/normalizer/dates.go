// -----------------------------------------------------------------------
// Date normalization - collapses provider date shapes to YYYY-MM-DD
// -----------------------------------------------------------------------

package normalizer

import (
	"strconv"
	"strings"
	"time"
)

// ISODate is the single output format for normalized dates.
const ISODate = "2006-01-02"

// excelEpoch is the day-zero of Excel serial dates (the 1900 system with
// its historical off-by-two).
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

const (
	excelSerialMin = 40000
	excelSerialMax = 50000
)

// monthNameLayouts cover written-out date forms, full and abbreviated.
var monthNameLayouts = []string{
	"January 2, 2006",
	"January 2 2006",
	"2 January 2006",
	"02 January 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 Jan 2006",
	"02 Jan 2006",
}

// NormalizeDate converts a raw date string to YYYY-MM-DD. The second return
// is false when the value cannot be decoded as a date.
//
// Accepted shapes, in preference order: ISO (with or without a time part),
// slash-ISO, US M/D/YYYY (also with - or . separators), European DD/MM/YYYY
// when the first component exceeds 12, month-name forms, compressed numeric
// M[D[D]]YY, and Excel serials between 40000 and 50000.
func NormalizeDate(raw string) (string, bool) {
	s := strings.TrimSpace(Dequote(raw))
	if s == "" {
		return "", false
	}

	// Already normalized input returns itself (idempotence).
	if t, ok := parseISO(s); ok {
		return t.Format(ISODate), true
	}
	if t, ok := parseSeparated(s); ok {
		return t.Format(ISODate), true
	}
	if t, ok := parseMonthName(s); ok {
		return t.Format(ISODate), true
	}
	if t, ok := parseCompressed(s); ok {
		return t.Format(ISODate), true
	}
	if t, ok := parseExcelSerial(s); ok {
		return t.Format(ISODate), true
	}
	return "", false
}

// parseISO handles YYYY-MM-DD and YYYY/MM/DD, with an optional trailing
// time part which is discarded.
func parseISO(s string) (time.Time, bool) {
	candidate := s
	if idx := strings.IndexAny(candidate, "T "); idx > 0 {
		candidate = candidate[:idx]
	}
	for _, layout := range []string{"2006-01-02", "2006/01/02", "2006-1-2", "2006/1/2"} {
		if t, err := time.Parse(layout, candidate); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseSeparated handles numeric day/month/year triples with /, - or .
// separators. Ambiguity rule: US when the first component fits a month,
// European when it can only be a day.
func parseSeparated(s string) (time.Time, bool) {
	sep := ""
	for _, candidate := range []string{"/", "-", "."} {
		if strings.Count(s, candidate) == 2 {
			sep = candidate
			break
		}
	}
	if sep == "" {
		return time.Time{}, false
	}

	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return time.Time{}, false
	}
	a, errA := strconv.Atoi(strings.TrimSpace(parts[0]))
	b, errB := strconv.Atoi(strings.TrimSpace(parts[1]))
	year, errY := strconv.Atoi(strings.TrimSpace(parts[2]))
	if errA != nil || errB != nil || errY != nil {
		return time.Time{}, false
	}
	if year < 1000 || year > 9999 {
		return time.Time{}, false
	}

	var month, day int
	switch {
	case a >= 1 && a <= 12:
		// US reading: month first
		month, day = a, b
	case a > 12 && b >= 1 && b <= 12:
		// European reading: day first, unambiguous because a cannot be a month
		month, day = b, a
	default:
		return time.Time{}, false
	}
	return buildDate(year, month, day)
}

func parseMonthName(s string) (time.Time, bool) {
	for _, layout := range monthNameLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseCompressed decodes 3-5 digit strings as M[D[D]]YY: a month, an
// optional day, and a two-digit year mapped into 2000-2099. "6525" reads as
// June 5 2025.
func parseCompressed(s string) (time.Time, bool) {
	if len(s) < 3 || len(s) > 5 {
		return time.Time{}, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return time.Time{}, false
		}
	}

	yy, _ := strconv.Atoi(s[len(s)-2:])
	year := 2000 + yy
	head := s[:len(s)-2]

	switch len(head) {
	case 1:
		// MYY: month only, day defaults to the first
		month, _ := strconv.Atoi(head)
		return buildDate(year, month, 1)
	case 2:
		// MDYY
		month, _ := strconv.Atoi(head[:1])
		day, _ := strconv.Atoi(head[1:])
		return buildDate(year, month, day)
	case 3:
		// MDDYY preferred; MMDYY only when the single-digit month fails
		month, _ := strconv.Atoi(head[:1])
		day, _ := strconv.Atoi(head[1:])
		if t, ok := buildDate(year, month, day); ok {
			return t, true
		}
		month, _ = strconv.Atoi(head[:2])
		day, _ = strconv.Atoi(head[2:])
		return buildDate(year, month, day)
	}
	return time.Time{}, false
}

// parseExcelSerial decodes integer serials in the plausible invoice range.
// Tried after compressed decoding, so a five-digit value that reads as a
// valid M[D[D]]YY date never reaches this path.
func parseExcelSerial(s string) (time.Time, bool) {
	serial, err := strconv.Atoi(s)
	if err != nil {
		return time.Time{}, false
	}
	if serial < excelSerialMin || serial > excelSerialMax {
		return time.Time{}, false
	}
	return excelEpoch.AddDate(0, 0, serial), true
}

// buildDate validates the triple by round-trip: Feb 30 normalizes to a
// different month and is rejected.
func buildDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || t.Month() != time.Month(month) || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}
