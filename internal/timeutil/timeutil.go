// Package timeutil parses the loosely formatted timestamps found in notices.
package timeutil

import (
	"strings"
	"time"
)

// ZLayout renders UTC timestamps as 2006-01-02T15:04:05Z.
const ZLayout = "2006-01-02T15:04:05Z"

var nullTokens = map[string]struct{}{
	"":                    {},
	"NULL":                {},
	"NONE":                {},
	"NIL":                 {},
	"N/A":                 {},
	"NA":                  {},
	"PERM":                {},
	"PERMANENT":           {},
	"UFN":                 {},
	"UNTIL FURTHER NOTICE": {},
	"TIL FURTHER NOTICE":  {},
}

// Offset-aware layouts are tried first; naive ones are interpreted as UTC.
var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseUTC parses s into a UTC time. Null-like tokens and malformed input
// yield ok == false rather than an error.
func ParseUTC(s string) (t time.Time, ok bool) {
	s = strings.TrimSpace(stripControl(s))
	if IsNullToken(s) {
		return time.Time{}, false
	}
	if strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "Z"
	}
	for _, layout := range zonedLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), true
		}
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// ParseUTCPtr is ParseUTC returning nil for absent values.
func ParseUTCPtr(s string) *time.Time {
	t, ok := ParseUTC(s)
	if !ok {
		return nil
	}
	return &t
}

// IsNullToken reports whether s means "no time", e.g. UFN or PERM.
func IsNullToken(s string) bool {
	_, ok := nullTokens[strings.ToUpper(strings.TrimSpace(stripControl(s)))]
	return ok
}

// FormatZ renders t in UTC with a trailing Z.
func FormatZ(t time.Time) string {
	return t.UTC().Format(ZLayout)
}

// stripControl removes ASCII control characters and zero-width joiners.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case r == '\u200b', r == '\u200c', r == '\u200d':
			return -1
		}
		return r
	}, s)
}
