// Package features converts alerts into the fixed numeric vector the
// classifier was trained on.
package features

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/alert"
)

// Feature names as written by the training pipeline.
const (
	RuleLevel  = "rule_level"
	HourOfDay  = "hour_of_day"
	IsWeekend  = "is_weekend"
	RuleIDFreq = "rule_id_freq"
	AgentFreq  = "agent_freq"
	SrcIPFreq  = "srcip_freq"
)

// ManifestFile is the companion file listing feature columns in model order.
const ManifestFile = "feature_columns.txt"

var known = []string{RuleLevel, HourOfDay, IsWeekend, RuleIDFreq, AgentFreq, SrcIPFreq}

var (
	ErrColumnMismatch = errors.New("features: manifest does not match known features")
	ErrMissingField   = errors.New("features: required field missing")
	ErrBadTimestamp   = errors.New("features: unparsable timestamp")
)

// Kind classifies an EncodingError.
type Kind int

const (
	MissingField Kind = iota + 1
	BadTimestamp
	ColumnMismatch
)

func (k Kind) String() string {
	switch k {
	case MissingField:
		return "missing_field"
	case BadTimestamp:
		return "bad_timestamp"
	case ColumnMismatch:
		return "column_mismatch"
	default:
		return "unknown"
	}
}

// EncodingError describes why an alert could not be encoded.
type EncodingError struct {
	Kind   Kind
	Field  string
	Detail string
}

func (e *EncodingError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("features: %s %s: %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("features: %s %s", e.Kind, e.Field)
}

// Unwrap maps the error kind to its sentinel so errors.Is works.
func (e *EncodingError) Unwrap() error {
	switch e.Kind {
	case MissingField:
		return ErrMissingField
	case BadTimestamp:
		return ErrBadTimestamp
	case ColumnMismatch:
		return ErrColumnMismatch
	default:
		return nil
	}
}

// Manifest is the ordered list of feature column names.
type Manifest []string

// LoadManifest reads one column name per line, skipping blank lines.
func LoadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("features: open manifest: %w", err)
	}
	defer f.Close()

	var m Manifest
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			m = append(m, name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("features: read manifest: %w", err)
	}
	return m, nil
}

// Codec encodes alerts in the order given by its manifest.
type Codec struct {
	manifest Manifest
}

// NewCodec validates that the manifest names exactly the known features.
func NewCodec(m Manifest) (*Codec, error) {
	if len(m) != len(known) {
		return nil, &EncodingError{Kind: ColumnMismatch, Field: "manifest",
			Detail: fmt.Sprintf("got %d columns, want %d", len(m), len(known))}
	}
	seen := make(map[string]bool, len(m))
	for _, name := range m {
		if seen[name] {
			return nil, &EncodingError{Kind: ColumnMismatch, Field: name, Detail: "duplicate column"}
		}
		seen[name] = true
	}
	for _, name := range known {
		if !seen[name] {
			return nil, &EncodingError{Kind: ColumnMismatch, Field: name, Detail: "column missing from manifest"}
		}
	}
	return &Codec{manifest: append(Manifest(nil), m...)}, nil
}

// Manifest returns a copy of the codec's column order.
func (c *Codec) Manifest() Manifest { return append(Manifest(nil), c.manifest...) }

// Vector is the encoded form of one alert.
type Vector struct {
	RuleLevel  float64
	HourOfDay  float64
	IsWeekend  float64
	RuleIDFreq float64
	AgentFreq  float64
	SrcIPFreq  float64

	order Manifest
}

// Get returns the named feature value.
func (v Vector) Get(name string) (float64, bool) {
	switch name {
	case RuleLevel:
		return v.RuleLevel, true
	case HourOfDay:
		return v.HourOfDay, true
	case IsWeekend:
		return v.IsWeekend, true
	case RuleIDFreq:
		return v.RuleIDFreq, true
	case AgentFreq:
		return v.AgentFreq, true
	case SrcIPFreq:
		return v.SrcIPFreq, true
	}
	return 0, false
}

// Ordered returns the values in manifest order, or the canonical order when
// the vector was built without a codec.
func (v Vector) Ordered() []float64 {
	order := v.order
	if len(order) == 0 {
		order = known
	}
	out := make([]float64, len(order))
	for i, name := range order {
		out[i], _ = v.Get(name)
	}
	return out
}

// Encode builds the feature vector for al. The frequency features are not
// known at serve time and are always zero.
func (c *Codec) Encode(al *alert.Alert) (Vector, error) {
	level, ok := al.RuleLevel()
	if !ok {
		return Vector{}, &EncodingError{Kind: MissingField, Field: "rule.level"}
	}
	if strings.TrimSpace(al.Timestamp) == "" {
		return Vector{}, &EncodingError{Kind: MissingField, Field: "timestamp"}
	}
	ts, err := ParseTimestamp(al.Timestamp)
	if err != nil {
		return Vector{}, &EncodingError{Kind: BadTimestamp, Field: "timestamp", Detail: al.Timestamp}
	}

	v := Vector{
		RuleLevel: float64(level),
		HourOfDay: float64(ts.Hour()),
		order:     c.manifest,
	}
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		v.IsWeekend = 1
	}
	return v, nil
}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.000-0700",
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses the timestamp layouts seen in alert streams. The
// result keeps the zone recorded in the string; zone-less values are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}
