package model

import (
	"fmt"
	"strings"
	"time"
)

// DueAtLayout is the wall-clock layout produced by HTML datetime-local inputs.
const DueAtLayout = "2006-01-02T15:04"

var dueAtLayouts = []string{DueAtLayout, "2006-01-02T15:04:05"}

// ParseDueAt parses a local wall-clock time without a zone marker.
// The value is taken as UTC as-is; no timezone conversion happens.
func ParseDueAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dueAtLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q (want %s)", ErrInvalidDueAt, s, DueAtLayout)
}
