package session

import (
	"context"
	"errors"
	"log"
	"io"
	"sync"
	"testing"
	"time"

	alarms "alarm-center/internal/alarms/domain"
)

type scriptedSource struct {
	mu      sync.Mutex
	batches [][]alarms.AlarmOccurrence
	errs    []error
	calls   int
}

func (s *scriptedSource) Pull(context.Context) ([]alarms.AlarmOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.batches) {
		return s.batches[idx], nil
	}
	return nil, nil
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestReconcileMergesAndRecomputesStats(t *testing.T) {
	store := NewStore()
	occ := activeOccurrence("occ-1", "rule-1")
	source := &scriptedSource{batches: [][]alarms.AlarmOccurrence{{occ}}}

	var (
		mu       sync.Mutex
		received []Stats
	)
	rec, err := NewReconciler(store, source, time.Second, discardLogger(),
		WithStatsListener(func(s Stats) {
			mu.Lock()
			received = append(received, s)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	if err := rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("store len = %d, want 1", store.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Total != 1 {
		t.Fatalf("stats not recomputed after cycle: %+v", received)
	}
}

func TestReconcileFailureKeepsStore(t *testing.T) {
	store := NewStore()
	store.Upsert(activeOccurrence("occ-1", "rule-1"))
	source := &scriptedSource{errs: []error{errors.New("backing store unreachable")}}

	rec, err := NewReconciler(store, source, time.Second, discardLogger())
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	if err := rec.Reconcile(context.Background()); err == nil {
		t.Fatal("expected pull error")
	}
	if store.Len() != 1 {
		t.Fatalf("failed cycle corrupted the store, len = %d", store.Len())
	}
}

func TestReconcileDiscardsLateResultAfterCancel(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	source := SourceFunc(func(context.Context) ([]alarms.AlarmOccurrence, error) {
		// Simulate a fetch that resolves after the view was torn down.
		cancel()
		return []alarms.AlarmOccurrence{activeOccurrence("occ-late", "rule-9")}, nil
	})

	rec, err := NewReconciler(store, source, time.Second, discardLogger())
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	if err := rec.Reconcile(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("late result must be discarded, not applied")
	}
}

func TestReconcileTolerantOfDuplicateAndOutOfOrderDelivery(t *testing.T) {
	store := NewStore()
	first := activeOccurrence("occ-1", "rule-1")
	updated := first
	updated.OccurrenceCount = 4

	source := &scriptedSource{batches: [][]alarms.AlarmOccurrence{
		{updated},
		{updated, first}, // duplicate plus a stale copy delivered late
	}}
	rec, err := NewReconciler(store, source, time.Second, discardLogger())
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	ctx := context.Background()
	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("duplicates created extra entries: len = %d", store.Len())
	}
}

type channelPush struct {
	ch chan alarms.AlarmOccurrence
}

func (p channelPush) Events() <-chan alarms.AlarmOccurrence { return p.ch }

func TestRunStopsOnCancelAndAppliesPush(t *testing.T) {
	store := NewStore()
	source := &scriptedSource{}
	push := channelPush{ch: make(chan alarms.AlarmOccurrence, 1)}

	rec, err := NewReconciler(store, source, 50*time.Millisecond, discardLogger(), WithPushSource(push))
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	push.ch <- activeOccurrence("occ-push", "rule-1")
	deadline := time.After(2 * time.Second)
	for store.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("push event not applied")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop on cancel")
	}
}
