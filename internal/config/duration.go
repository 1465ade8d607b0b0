package config

import (
	"fmt"
	"strings"
	"time"

	"modbot/pkg/durparse"
)

// spanRef anchors day and week shorthand; only fixed-length units are
// accepted so the reference never matters.
var spanRef = time.Unix(0, 0).UTC()

// Span reads a config duration. Besides Go syntax ("90m", "1h30m") it takes
// the chat shorthand for days and weeks ("40d", "2w3d"). Empty means zero.
func Span(path, raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		if strings.Contains(s, "y") || strings.Contains(s, "mo") {
			return 0, fmt.Errorf("%s: %q: months and years have no fixed length", path, raw)
		}
		var perr error
		if d, perr = durparse.Duration(s, spanRef); perr != nil {
			return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
		}
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// SpanOr is Span with def standing in for an empty or zero value.
func SpanOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := Span(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
