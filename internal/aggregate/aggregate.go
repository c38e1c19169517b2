// Package aggregate accumulates medium-severity alerts between summary
// flushes.
package aggregate

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/audit"
	"github.com/linnemanlabs/sentinel/internal/jsonfile"
)

// DefaultAgent is recorded when an alert has no agent name.
const DefaultAgent = "Wazuh-Manager"

// Record is one accumulated alert as persisted in the aggregation file.
type Record struct {
	Timestamp string `json:"timestamp"`
	SrcIP     string `json:"srcip"`
	RuleID    string `json:"rule_id"`
	RuleLevel int    `json:"rule_level"`
	Agent     string `json:"agent"`
	RuleDesc  string `json:"rule_desc"`
	AIConf    string `json:"ai_conf"`
	AIReason  string `json:"ai_reason"`
}

// PersistenceError reports a failed write of the aggregation file. The
// in-memory state is unaffected.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("aggregate: persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the single owner of pending records. Append and FlushAndClear are
// serialized by one mutex.
type Store struct {
	mu      sync.Mutex
	path    string
	records []Record
	logger  log.Logger
	audit   *audit.Journal
}

// Open restores pending records from path. A corrupt file is logged as data
// loss and the store starts empty. An empty path keeps records in memory only.
// Data loss events are also written to journal when it is non-nil.
func Open(ctx context.Context, path string, logger log.Logger, journal *audit.Journal) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Store{path: path, logger: logger, audit: journal}
	if path == "" {
		return s
	}
	var disk []Record
	if _, err := jsonfile.Read(path, &disk); err != nil {
		logger.Error(ctx, err, "aggregation state unreadable, pending records lost", "path", path, "event", "data_loss")
		journal.Event("aggregation state unreadable", err, map[string]any{"event": "data_loss", "path": path})
		return s
	}
	s.records = disk
	return s
}

// Append adds rec and persists the full sequence. The record is kept in
// memory even when the write fails.
func (s *Store) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if err := s.persistLocked(s.records); err != nil {
		s.logger.Error(ctx, err, "aggregation record not persisted",
			"event", "data_loss",
			"rule_id", rec.RuleID,
			"srcip", rec.SrcIP,
		)
		s.audit.Event("aggregation record not persisted", err, map[string]any{
			"event":   "data_loss",
			"rule_id": rec.RuleID,
			"srcip":   rec.SrcIP,
		})
		return err
	}
	return nil
}

// FlushAndClear returns every pending record and empties the store. An empty
// store returns nil and leaves the file untouched.
//
// The file is cleared before the records are handed out. When clearing fails
// twice the records are still returned with a *PersistenceError: the file
// keeps them, so a restart before the next successful write restores and
// reports them again.
func (s *Store) FlushAndClear(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) == 0 {
		return nil, nil
	}
	out := s.records
	s.records = nil

	err := s.persistLocked([]Record{})
	if err != nil {
		err = s.persistLocked([]Record{})
	}
	if err != nil {
		s.logger.Error(ctx, err, "aggregation file not cleared after flush",
			"event", "duplicate_risk",
			"records", len(out),
		)
		s.audit.Event("aggregation file not cleared after flush", err, map[string]any{
			"event":   "duplicate_risk",
			"path":    s.path,
			"records": len(out),
		})
		return out, err
	}
	return out, nil
}

// Pending returns the number of records awaiting the next flush.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns a copy of the pending records.
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *Store) persistLocked(recs []Record) error {
	if s.path == "" {
		return nil
	}
	if err := jsonfile.Write(s.path, recs); err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}
	return nil
}
