package triage

import "context"

// Store is the persistence interface for the triage journal.
type Store interface {
	Get(ctx context.Context, id string) (*Result, bool, error)
	Put(ctx context.Context, result *Result) error
	// Recent returns up to limit results, newest first.
	Recent(ctx context.Context, limit int) ([]*Result, error)
}
