// Package stream reads the live alert stream, drops low-severity lines and
// dispatches the rest to isolated triage units.
package stream

import (
	"bytes"

	"github.com/linnemanlabs/sentinel/internal/alert"
)

// Verdict is the pre-filter decision for one line.
type Verdict string

const (
	Accepted  Verdict = "accepted"
	Blank     Verdict = "blank"
	Malformed Verdict = "malformed"
	NoLevel   Verdict = "no_level"
	BelowMin  Verdict = "below_min"
)

// Filter parses line and decides whether it qualifies for triage. Only
// Accepted returns a non-nil alert.
func Filter(line []byte, minLevel int) (*alert.Alert, Verdict) {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, Blank
	}
	al, err := alert.Parse(line)
	if err != nil {
		return nil, Malformed
	}
	level, ok := al.RuleLevel()
	if !ok {
		return nil, NoLevel
	}
	if level < minLevel {
		return nil, BelowMin
	}
	return al, Accepted
}
