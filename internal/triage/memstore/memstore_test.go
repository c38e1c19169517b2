package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/linnemanlabs/sentinel/internal/triage"
)

var _ triage.Store = (*Store)(nil)

func newStore(t *testing.T, size int) *Store {
	t.Helper()
	s, err := New(size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := newStore(t, 10)
	ctx := context.Background()
	r := &triage.Result{ID: "t-1", RuleID: "5503", Outcome: triage.OutcomeCached}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected result to be found")
	}
	if got.RuleID != "5503" {
		t.Errorf("RuleID = %q, want %q", got.RuleID, "5503")
	}

	// returned values are copies
	got.RuleID = "mutated"
	again, _, _ := s.Get(ctx, "t-1")
	if again.RuleID != "5503" {
		t.Error("Get returned a shared pointer")
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := newStore(t, 10)
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	t.Parallel()

	s := newStore(t, 10)
	ctx := context.Background()
	_ = s.Put(ctx, &triage.Result{ID: "t-3", Outcome: triage.OutcomeFailed})
	_ = s.Put(ctx, &triage.Result{ID: "t-3", Outcome: triage.OutcomeNotified, Explanation: "done"})

	got, ok, err := s.Get(ctx, "t-3")
	if err != nil || !ok {
		t.Fatalf("Get ok=%v err=%v", ok, err)
	}
	if got.Outcome != triage.OutcomeNotified {
		t.Errorf("Outcome = %q, want %q", got.Outcome, triage.OutcomeNotified)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_EvictsOldest(t *testing.T) {
	t.Parallel()

	s := newStore(t, 3)
	ctx := context.Background()
	for i := range 5 {
		_ = s.Put(ctx, &triage.Result{ID: fmt.Sprintf("t-%d", i)})
	}

	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	for _, id := range []string{"t-0", "t-1"} {
		if _, ok, _ := s.Get(ctx, id); ok {
			t.Errorf("%s should have been evicted", id)
		}
	}
}

func TestStore_RecentNewestFirst(t *testing.T) {
	t.Parallel()

	s := newStore(t, 10)
	ctx := context.Background()
	for i := range 4 {
		_ = s.Put(ctx, &triage.Result{ID: fmt.Sprintf("t-%d", i)})
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "t-3" || got[1].ID != "t-2" {
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		t.Errorf("Recent(2) = %v, want [t-3 t-2]", ids)
	}

	all, _ := s.Recent(ctx, 0)
	if len(all) != 4 {
		t.Errorf("Recent(0) = %d results, want 4", len(all))
	}
}

func TestNew_DefaultSize(t *testing.T) {
	t.Parallel()

	s := newStore(t, 0)
	ctx := context.Background()
	for i := range 20 {
		_ = s.Put(ctx, &triage.Result{ID: fmt.Sprintf("t-%d", i)})
	}
	if s.Len() != 20 {
		t.Errorf("Len = %d, want 20", s.Len())
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := newStore(t, 1000)
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := range n {
		id := fmt.Sprintf("id-%d", i)

		go func() {
			defer wg.Done()
			_ = s.Put(ctx, &triage.Result{ID: id, Outcome: triage.OutcomeDropped})
		}()

		go func() {
			defer wg.Done()
			_, _, _ = s.Get(ctx, id)
			_, _ = s.Recent(ctx, 10)
		}()
	}

	wg.Wait()

	for i := range n {
		id := fmt.Sprintf("id-%d", i)
		if _, ok, _ := s.Get(ctx, id); !ok {
			t.Errorf("missing %s after concurrent puts", id)
		}
	}
}
