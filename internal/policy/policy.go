// Package policy holds the routing rules applied around classification.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMinLevel is the lowest rule level that enters triage.
const DefaultMinLevel = 5

// DefaultIgnoredRuleIDs are rules that are always treated as noise.
var DefaultIgnoredRuleIDs = []string{"5710", "31101"}

// Policy is the routing policy file.
type Policy struct {
	MinLevel       int      `yaml:"min_level"`
	IgnoredRuleIDs []string `yaml:"ignored_rule_ids"`

	ignored map[string]struct{}
}

// Default returns the built-in policy.
func Default() *Policy {
	p := &Policy{
		MinLevel:       DefaultMinLevel,
		IgnoredRuleIDs: append([]string(nil), DefaultIgnoredRuleIDs...),
	}
	p.index()
	return p
}

// Load reads a YAML policy from path. Keys absent from the file keep their
// defaults; an explicit empty ignored_rule_ids list disables the override.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	p.index()
	return p, nil
}

// Validate checks invariants of the policy values.
func (p *Policy) Validate() error {
	var errs []error
	if p.MinLevel < 0 || p.MinLevel > 16 {
		errs = append(errs, fmt.Errorf("min_level %d out of range 0..16", p.MinLevel))
	}
	for _, id := range p.IgnoredRuleIDs {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, errors.New("ignored_rule_ids contains an empty id"))
			break
		}
	}
	return errors.Join(errs...)
}

func (p *Policy) index() {
	p.ignored = make(map[string]struct{}, len(p.IgnoredRuleIDs))
	for _, id := range p.IgnoredRuleIDs {
		p.ignored[strings.TrimSpace(id)] = struct{}{}
	}
}

// Ignored reports whether ruleID is always routed as noise.
func (p *Policy) Ignored(ruleID string) bool {
	if p == nil {
		return false
	}
	_, ok := p.ignored[ruleID]
	return ok
}
