// Package report summarizes accumulated medium-severity alerts and sends the
// periodic digest.
package report

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/aggregate"
)

const (
	// DefaultTopN is the number of source addresses listed in a digest.
	DefaultTopN = 3

	// UnknownIP groups records that carry no source address.
	UnknownIP = "Unknown/Internal"
)

// Offender is the per-address breakdown in a summary.
type Offender struct {
	IP      string   `json:"ip"`
	Count   int      `json:"count"`
	Agents  []string `json:"agents"`
	Levels  []int    `json:"levels"`
	RuleIDs []string `json:"rule_ids"`
}

// Summary is the digest of one flush.
type Summary struct {
	Total       int        `json:"total"`
	DistinctIPs int        `json:"distinct_ips"`
	Top         []Offender `json:"top"`
	Remaining   int        `json:"remaining_ips"`
}

type group struct {
	ip     string
	count  int
	agents map[string]struct{}
	levels map[int]struct{}
	rules  map[string]struct{}
}

// Summarize groups records by source address and keeps the topN addresses by
// count. Equal counts keep the order in which addresses were first seen.
func Summarize(records []aggregate.Record, topN int) Summary {
	if topN <= 0 {
		topN = DefaultTopN
	}

	var order []*group
	byIP := make(map[string]*group)
	for _, r := range records {
		ip := r.SrcIP
		if ip == "" {
			ip = UnknownIP
		}
		g, ok := byIP[ip]
		if !ok {
			g = &group{
				ip:     ip,
				agents: make(map[string]struct{}),
				levels: make(map[int]struct{}),
				rules:  make(map[string]struct{}),
			}
			byIP[ip] = g
			order = append(order, g)
		}
		g.count++
		agent := r.Agent
		if agent == "" {
			agent = aggregate.DefaultAgent
		}
		g.agents[agent] = struct{}{}
		g.levels[r.RuleLevel] = struct{}{}
		rule := r.RuleID
		if rule == "" {
			rule = "N/A"
		}
		g.rules[rule] = struct{}{}
	}

	slices.SortStableFunc(order, func(a, b *group) int { return cmp.Compare(b.count, a.count) })

	s := Summary{Total: len(records), DistinctIPs: len(order)}
	for i, g := range order {
		if i == topN {
			s.Remaining = len(order) - topN
			break
		}
		levels := keys(g.levels)
		slices.Sort(levels)
		slices.Reverse(levels)
		agents := keys(g.agents)
		slices.Sort(agents)
		rules := keys(g.rules)
		slices.Sort(rules)
		s.Top = append(s.Top, Offender{IP: g.ip, Count: g.count, Agents: agents, Levels: levels, RuleIDs: rules})
	}
	return s
}

func keys[K cmp.Ordered](m map[K]struct{}) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

const reportTitle = "📊 *HOURLY AI PRIORITY REPORT (Class 1)* 📊\n"

// Format renders s as a Markdown digest stamped with now.
func Format(s Summary, now time.Time) string {
	var b strings.Builder
	b.WriteString(reportTitle)
	fmt.Fprintf(&b, "🕰️ _Report time: %s_\n", now.Format("2006-01-02 15:04 MST"))
	b.WriteString("⚠️ *ATTACKS DETECTED*\n")
	fmt.Fprintf(&b, "Total alerts: *%d* | Total IPs: *%d*\n\n", s.Total, s.DistinctIPs)
	fmt.Fprintf(&b, "--- TOP %d OFFENDERS (most events) ---\n", len(s.Top))

	for _, o := range s.Top {
		levels := make([]string, len(o.Levels))
		for i, l := range o.Levels {
			levels[i] = strconv.Itoa(l)
		}
		fmt.Fprintf(&b, "🌐 IP: `%s`\n", o.IP)
		fmt.Fprintf(&b, "  🎯 Target agents: `%s`\n", strings.Join(o.Agents, ", "))
		fmt.Fprintf(&b, "  - Events: *%d*\n", o.Count)
		fmt.Fprintf(&b, "  - Levels: %s\n", strings.Join(levels, ", "))
		fmt.Fprintf(&b, "  - Rule IDs: %s\n\n", strings.Join(o.RuleIDs, ", "))
	}

	if s.Remaining > 0 {
		fmt.Fprintf(&b, "ℹ️ _...and %d more IPs not shown._\n", s.Remaining)
	}
	return b.String()
}

// FormatSafe renders the digest sent when nothing accumulated.
func FormatSafe(now time.Time) string {
	var b strings.Builder
	b.WriteString(reportTitle)
	fmt.Fprintf(&b, "🕰️ _Report time: %s_\n\n", now.Format("2006-01-02 15:04 MST"))
	b.WriteString("✅ *STATUS: SAFE*\n")
	b.WriteString("No Class 1 attacks were detected in the last period.\n")
	b.WriteString("_(Monitoring active)_")
	return b.String()
}
