// Package alert models the Wazuh-style security alert records consumed by the
// triage pipeline.
package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// UnknownSourceIP is recorded when an alert carries no source address.
const UnknownSourceIP = "N/A"

// ErrEmpty is returned by Parse for blank input lines.
var ErrEmpty = errors.New("alert: empty input")

// Alert is a single detected security event. Alerts are immutable once parsed.
type Alert struct {
	Timestamp string `json:"timestamp"`
	Rule      Rule   `json:"rule"`
	Agent     Agent  `json:"agent"`
	Data      Data   `json:"data"`
	SrcIP     string `json:"srcip,omitempty"`
	FullLog   string `json:"full_log,omitempty"`
}

// Rule describes the detection rule that fired.
type Rule struct {
	ID          FlexString `json:"id"`
	Level       *Level     `json:"level,omitempty"`
	Description string     `json:"description"`
	Mitre       Mitre      `json:"mitre"`
}

// Mitre holds ATT&CK annotations; tactic may be a string or a list.
type Mitre struct {
	Tactic StringList `json:"tactic,omitempty"`
}

// Agent identifies the host that produced the event.
type Agent struct {
	Name string `json:"name"`
}

// Data carries decoder fields; only the source address is used here.
type Data struct {
	SrcIP string `json:"srcip,omitempty"`
}

// envelope is the active-response wrapper around an alert.
type envelope struct {
	Parameters struct {
		Alert json.RawMessage `json:"alert"`
	} `json:"parameters"`
}

// Parse decodes one JSON line into an Alert, unwrapping an active-response
// envelope when present.
func Parse(line []byte) (*Alert, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmpty
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("alert: decode: %w", err)
	}
	if raw := bytes.TrimSpace(env.Parameters.Alert); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		line = raw
	}

	var al Alert
	if err := json.Unmarshal(line, &al); err != nil {
		return nil, fmt.Errorf("alert: decode: %w", err)
	}
	return &al, nil
}

// RuleID returns the rule id as a string.
func (a *Alert) RuleID() string { return string(a.Rule.ID) }

// RuleLevel returns the rule level and whether it was present.
func (a *Alert) RuleLevel() (int, bool) {
	if a.Rule.Level == nil {
		return 0, false
	}
	return int(*a.Rule.Level), true
}

// SourceIP prefers the decoder field, then the flat field, then UnknownSourceIP.
func (a *Alert) SourceIP() string {
	if a.Data.SrcIP != "" {
		return a.Data.SrcIP
	}
	if a.SrcIP != "" {
		return a.SrcIP
	}
	return UnknownSourceIP
}

// AgentName returns the agent name or def when the alert has none.
func (a *Alert) AgentName(def string) string {
	if a.Agent.Name == "" {
		return def
	}
	return a.Agent.Name
}

// Tactics returns the trimmed MITRE tactics.
func (a *Alert) Tactics() []string {
	out := make([]string, 0, len(a.Rule.Mitre.Tactic))
	for _, t := range a.Rule.Mitre.Tactic {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Level is a rule severity that accepts JSON numbers and numeric strings.
type Level int

// UnmarshalJSON implements json.Unmarshaler.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("rule level %s: %w", string(b), err)
	}
	*l = Level(int(n))
	return nil
}

// FlexString accepts JSON strings and numbers.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// StringList accepts a single JSON string or an array of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = nil
		return nil
	case len(b) > 0 && b[0] == '"':
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	default:
		var many []string
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*s = many
		return nil
	}
}
