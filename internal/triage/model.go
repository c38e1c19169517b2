package triage

import "time"

// Outcome is the terminal state of one triaged alert.
type Outcome string

const (
	// OutcomeFiltered means the stream filter dropped the alert before triage.
	OutcomeFiltered Outcome = "filtered"

	// OutcomeDropped means the alert was classified as noise.
	OutcomeDropped Outcome = "dropped"

	// OutcomeCached means the alert was appended to the aggregation store.
	OutcomeCached Outcome = "cached"

	// OutcomeThrottled means a critical alert was suppressed by the throttle window.
	OutcomeThrottled Outcome = "throttled"

	// OutcomeNotified means a critical notification was handed to the transport.
	OutcomeNotified Outcome = "notified"

	// OutcomeFailed means encoding or classification failed and the alert was dropped.
	OutcomeFailed Outcome = "failed"
)

// Result is the journaled record of one triage unit.
type Result struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	RuleLevel   int       `json:"rule_level"`
	RuleDesc    string    `json:"rule_desc,omitempty"`
	SrcIP       string    `json:"srcip"`
	Agent       string    `json:"agent,omitempty"`
	AlertTime   string    `json:"alert_time,omitempty"`
	Class       int       `json:"class"`
	Confidence  float64   `json:"confidence"`
	LatencyMS   float64   `json:"latency_ms"`
	Explanation string    `json:"explanation,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
