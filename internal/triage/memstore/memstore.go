// Package memstore provides a bounded in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/linnemanlabs/sentinel/internal/triage"
)

// DefaultSize is the number of results kept when New is given a size <= 0.
const DefaultSize = 10000

// Store holds the most recent triage results in memory. The oldest result is
// evicted once the store is full. Suitable for dev and single-node use.
type Store struct {
	cache *lru.Cache[string, *triage.Result]
}

// New initializes a Store holding up to size results.
func New(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New[string, *triage.Result](size)
	if err != nil {
		return nil, fmt.Errorf("memstore: %w", err)
	}
	return &Store{cache: c}, nil
}

// Get retrieves a triage result by its ID. Returns a copy and does not
// change eviction order.
func (s *Store) Get(_ context.Context, id string) (*triage.Result, bool, error) {
	r, ok := s.cache.Peek(id)
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// Put stores a copy of the triage result.
func (s *Store) Put(_ context.Context, r *triage.Result) error {
	cp := *r
	s.cache.Add(r.ID, &cp)
	return nil
}

// Recent returns up to limit results, most recently stored first. A limit
// <= 0 returns everything held.
func (s *Store) Recent(_ context.Context, limit int) ([]*triage.Result, error) {
	keys := s.cache.Keys() // oldest first
	if limit <= 0 || limit > len(keys) {
		limit = len(keys)
	}
	out := make([]*triage.Result, 0, limit)
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		r, ok := s.cache.Peek(keys[i])
		if !ok {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// Len returns the number of results held.
func (s *Store) Len() int { return s.cache.Len() }
