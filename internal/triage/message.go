package triage

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/sentinel/internal/alert"
)

const (
	// UnknownAgent names the agent in notifications when the alert has none.
	UnknownAgent = "Unknown"

	// maxLogExcerpt bounds the full_log excerpt in a critical notification.
	maxLogExcerpt = 500

	noLog = "N/A"
)

// LogExcerpt trims full_log to start at its first double quote and caps it at
// maxLogExcerpt runes. An empty log renders as "N/A".
func LogExcerpt(full string) string {
	if full == "" {
		return noLog
	}
	if i := strings.IndexByte(full, '"'); i >= 0 {
		full = full[i:]
	}
	if r := []rune(full); len(r) > maxLogExcerpt {
		full = string(r[:maxLogExcerpt])
	}
	return full
}

// CriticalMessage renders the immediate notification for a class 2 alert.
func CriticalMessage(al *alert.Alert, ev *Evaluation) string {
	level, _ := al.RuleLevel()
	var b strings.Builder
	b.WriteString("🚨 *CRITICAL: IMMEDIATE RESPONSE NEEDED* 🚨\n")
	fmt.Fprintf(&b, "⚠️ *Time:* %s\n", al.Timestamp)
	fmt.Fprintf(&b, "🌐 *Attacker IP:* `%s`\n", al.SourceIP())
	fmt.Fprintf(&b, "🤖 *AI Analysis:* Class %d (%.1f%%)\n", ev.Class, ev.Confidence)
	fmt.Fprintf(&b, "🧠 *AI Reason:* %s\n", ev.Explanation)
	fmt.Fprintf(&b, "📌 *Rule:* %s (ID: %s) | Lvl: %d\n", al.Rule.Description, al.RuleID(), level)
	fmt.Fprintf(&b, "💻 *Agent:* %s\n\n", al.AgentName(UnknownAgent))
	fmt.Fprintf(&b, "📜 *Log Detail:*\n`%s`...", LogExcerpt(al.FullLog))
	return b.String()
}
