// Package extract parses absolute UTC instants out of free-form message text.
//
// Upstream scheduling bots embed a start time in their announcement text, each
// with its own undocumented format. A Dialect names one such format; the
// per-tenant config maps author ids to dialects so scheduling logic never
// inspects author ids itself.
package extract

import (
	"errors"
	"strings"
	"time"
)

// Dialect selects a parsing strategy for one upstream source.
type Dialect string

const (
	// DialectDelimited takes the first backtick-enclosed substring,
	// parsed as "YYYY-MM-DD HH:MM" (UTC).
	DialectDelimited Dialect = "delimited"

	// DialectMarker takes the last non-empty line preceding the
	// "(gametime)" marker, parsed as "HH:MM MM/DD/YYYY" (UTC).
	DialectMarker Dialect = "marker"
)

var (
	// ErrNoTimestamp means the text carried nothing that looks like a
	// timestamp. A recoverable miss, not a failure.
	ErrNoTimestamp = errors.New("no timestamp found")

	// ErrBadTimestamp means a candidate substring was found but did not
	// parse. Callers log it and fall back to their default delay.
	ErrBadTimestamp = errors.New("timestamp did not parse")

	errUnknownDialect = errors.New("unknown dialect")
)

const (
	delimitedLayout = "2006-01-02 15:04"
	markerLayout    = "15:04 01/02/2006"
	markerToken     = "(gametime)"
)

type parseFunc func(text string) (time.Time, error)

// parsers is the dialect registry. Adding a dialect means adding an entry
// here; nothing in the scheduling path changes.
var parsers = map[Dialect]parseFunc{
	DialectDelimited: parseDelimited,
	DialectMarker:    parseMarker,
}

// Known reports whether d names a registered dialect.
func Known(d Dialect) bool {
	_, ok := parsers[d]
	return ok
}

// Extract parses an absolute UTC instant from text using the given dialect.
// It never panics on malformed input; misses and parse failures come back as
// ErrNoTimestamp / ErrBadTimestamp.
func Extract(d Dialect, text string) (time.Time, error) {
	p, ok := parsers[d]
	if !ok {
		return time.Time{}, errUnknownDialect
	}
	if strings.TrimSpace(text) == "" {
		return time.Time{}, ErrNoTimestamp
	}
	return p(text)
}

func parseDelimited(text string) (time.Time, error) {
	start := strings.IndexByte(text, '`')
	if start < 0 {
		return time.Time{}, ErrNoTimestamp
	}
	rest := text[start+1:]
	end := strings.IndexByte(rest, '`')
	if end < 0 {
		return time.Time{}, ErrNoTimestamp
	}
	raw := strings.TrimSpace(rest[:end])
	t, err := time.ParseInLocation(delimitedLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, ErrBadTimestamp
	}
	return t, nil
}

func parseMarker(text string) (time.Time, error) {
	idx := strings.Index(text, markerToken)
	if idx < 0 {
		return time.Time{}, ErrNoTimestamp
	}
	head := strings.TrimSpace(text[:idx])
	if head == "" {
		return time.Time{}, ErrNoTimestamp
	}
	lines := strings.Split(head, "\n")
	raw := strings.TrimSpace(lines[len(lines)-1])
	if raw == "" {
		return time.Time{}, ErrNoTimestamp
	}
	t, err := time.ParseInLocation(markerLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, ErrBadTimestamp
	}
	return t, nil
}
