// Package explain produces the short human-readable reason attached to every
// classification.
package explain

import (
	"fmt"

	"github.com/linnemanlabs/sentinel/internal/features"
)

// Severity classes produced by the classifier.
const (
	ClassNoise    = 0
	ClassMedium   = 1
	ClassCritical = 2
)

// rareFrequency is the rule id frequency below which a pattern counts as rare.
const rareFrequency = 0.01

// Signals are the anomaly indicators derived from a feature vector.
type Signals struct {
	OutsideHours bool
	Rare         bool
}

// Derive computes the anomaly signals for v. Work hours are 08:00-17:59 on
// weekdays; weekends never count as outside hours.
func Derive(v features.Vector) Signals {
	hour := int(v.HourOfDay)
	weekend := v.IsWeekend != 0
	return Signals{
		OutsideHours: (hour < 8 || hour > 17) && !weekend,
		Rare:         v.RuleIDFreq < rareFrequency,
	}
}

// Explain returns the narrative for a classification of v.
func Explain(class int, v features.Vector) string {
	s := Derive(v)
	level := int(v.RuleLevel)

	switch class {
	case ClassCritical:
		prefix := fmt.Sprintf("Rule Lvl %d (Critical) detected. ", level)
		switch {
		case s.OutsideHours && s.Rare:
			return prefix + "⚠️ *DOUBLE ANOMALY:* occurred outside working hours and the pattern is rare."
		case s.OutsideHours:
			return prefix + "⚠️ *TIME ANOMALY:* event occurred outside working hours."
		case s.Rare:
			return prefix + "⚠️ *PATTERN ANOMALY:* this rule fires very rarely on this system (low frequency)."
		default:
			return prefix + "Confirmed by the high rule level."
		}
	case ClassMedium:
		prefix := fmt.Sprintf("Rule Lvl %d. ", level)
		switch {
		case s.OutsideHours && s.Rare:
			return prefix + "⚠️ *DOUBLE ANOMALY:* medium level event outside working hours with a rare pattern."
		case s.Rare:
			return prefix + "Rare pattern detected, needs validation."
		default:
			return prefix + "Requires further investigation."
		}
	default:
		return "Classified as noise based on frequency and working-hours pattern."
	}
}
