// Package throttle limits critical notifications to one per rule and source
// address within a sliding window.
package throttle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/jsonfile"
)

// DefaultWindow is the quiet period after a notification for the same key.
const DefaultWindow = 60 * time.Second

// PersistenceError reports a failed write of the throttle file.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("throttle: persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// entry is the on-disk form; timestamp is epoch seconds.
type entry struct {
	Timestamp float64 `json:"timestamp"`
}

// Key builds the throttle key for a rule and source address.
func Key(ruleID, srcIP string) string { return ruleID + "-" + srcIP }

// Store is the single owner of throttle state. All methods are safe for
// concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	window time.Duration
	last   map[string]time.Time
	logger log.Logger

	// OnPersistError is called after a failed write, if set.
	OnPersistError func(err error)
}

// Open loads persisted state from path. An unreadable or corrupt file starts
// the store empty. An empty path keeps state in memory only.
func Open(ctx context.Context, path string, window time.Duration, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	s := &Store{
		path:   path,
		window: window,
		last:   make(map[string]time.Time),
		logger: logger,
	}
	if path == "" {
		return s
	}

	var disk map[string]entry
	ok, err := jsonfile.Read(path, &disk)
	if err != nil {
		logger.Warn(ctx, "throttle state unreadable, starting empty", "path", path, "err", err)
		return s
	}
	if ok {
		for k, e := range disk {
			s.last[k] = fromEpoch(e.Timestamp)
		}
	}
	return s
}

// ShouldSuppress reports whether a notification for key must be withheld at
// now. When it returns false the key is recorded as notified at now, expired
// entries are purged and the state is persisted. A persistence failure is
// logged and never causes suppression.
func (s *Store) ShouldSuppress(ctx context.Context, key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.last[key]; ok && now.Sub(last) < s.window {
		return true
	}

	for k, last := range s.last {
		if now.Sub(last) >= s.window {
			delete(s.last, k)
		}
	}
	s.last[key] = now

	if err := s.persistLocked(); err != nil {
		s.logger.Error(ctx, err, "throttle state not persisted", "key", key)
		if s.OnPersistError != nil {
			s.OnPersistError(err)
		}
	}
	return false
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}

// Window returns the configured throttle window.
func (s *Store) Window() time.Duration { return s.window }

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	disk := make(map[string]entry, len(s.last))
	for k, t := range s.last {
		disk[k] = entry{Timestamp: toEpoch(t)}
	}
	if err := jsonfile.Write(s.path, disk); err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}
	return nil
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}
