// Package audit writes the per-alert decision journal to a size-rotated file.
package audit

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Config configures the audit journal.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RegisterFlags registers audit flags on fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Path, "audit-file", "", "path of the rotating audit journal; empty disables it")
	fs.IntVar(&c.MaxSizeMB, "audit-max-size-mb", 100, "rotate the audit journal after this many megabytes")
	fs.IntVar(&c.MaxBackups, "audit-max-backups", 5, "rotated audit files to keep")
	fs.IntVar(&c.MaxAgeDays, "audit-max-age-days", 30, "days to keep rotated audit files")
	fs.BoolVar(&c.Compress, "audit-compress", true, "gzip rotated audit files")
}

// Validate checks the rotation knobs.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("invalid AUDIT_MAX_SIZE_MB %d (must be > 0)", c.MaxSizeMB))
	}
	if c.MaxBackups < 0 {
		errs = append(errs, fmt.Errorf("invalid AUDIT_MAX_BACKUPS %d (must be >= 0)", c.MaxBackups))
	}
	if c.MaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("invalid AUDIT_MAX_AGE_DAYS %d (must be >= 0)", c.MaxAgeDays))
	}
	return errors.Join(errs...)
}

// Entry is one audited decision.
type Entry struct {
	TriageID   string
	Outcome    string
	RuleID     string
	RuleLevel  int
	SrcIP      string
	Class      int
	Confidence float64
	LatencyMS  float64
	Reason     string
	Tactics    []string
	Err        error
}

// Journal appends audit entries as JSON lines.
type Journal struct {
	log    *logrus.Logger
	closer io.Closer
}

// New opens the journal described by cfg. An empty path discards entries.
func New(cfg Config) (*Journal, error) {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: timestampFormat,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})

	if cfg.Path == "" {
		l.SetOutput(io.Discard)
		return &Journal{log: l}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: create log directory: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	l.SetOutput(w)
	return &Journal{log: l, closer: w}, nil
}

// NewWriter builds a journal on an arbitrary writer.
func NewWriter(w io.Writer) *Journal {
	j, _ := New(Config{})
	j.log.SetOutput(w)
	return j
}

// Record writes e. Failed outcomes are logged at warning level.
func (j *Journal) Record(e Entry) {
	if j == nil {
		return
	}
	fields := logrus.Fields{
		"outcome":    e.Outcome,
		"rule_id":    e.RuleID,
		"rule_level": e.RuleLevel,
		"srcip":      e.SrcIP,
		"class":      e.Class,
		"confidence": fmt.Sprintf("%.1f", e.Confidence),
		"latency_ms": fmt.Sprintf("%.2f", e.LatencyMS),
	}
	if e.TriageID != "" {
		fields["triage_id"] = e.TriageID
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	if len(e.Tactics) > 0 {
		fields["mitre_tactics"] = e.Tactics
	}
	entry := j.log.WithFields(fields)
	if e.Err != nil {
		entry.WithError(e.Err).Warn("triage " + e.Outcome)
		return
	}
	entry.Info("triage " + e.Outcome)
}

// Event writes a diagnostic line outside the per-alert decisions, such as a
// failed delivery or lost aggregation state. A non-nil err logs at warning
// level.
func (j *Journal) Event(msg string, err error, kv map[string]any) {
	if j == nil {
		return
	}
	entry := j.log.WithFields(logrus.Fields(kv))
	if err != nil {
		entry.WithError(err).Warn(msg)
		return
	}
	entry.Info(msg)
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	if j == nil || j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
