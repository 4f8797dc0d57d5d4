package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	alarms "alarm-center/internal/alarms/domain"
)

// fakeBackend applies the same transition table the real backing store does.
type fakeBackend struct {
	mu   sync.Mutex
	rows map[string]alarms.AlarmOccurrence
	errs map[string]error
}

func newFakeBackend(rows ...alarms.AlarmOccurrence) *fakeBackend {
	b := &fakeBackend{rows: map[string]alarms.AlarmOccurrence{}, errs: map[string]error{}}
	for _, row := range rows {
		b.rows[row.ID] = row
	}
	return b
}

func (b *fakeBackend) transition(id, comment string, to alarms.OccurrenceState) (*alarms.AlarmOccurrence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errs[id]; err != nil {
		return nil, err
	}
	row, ok := b.rows[id]
	if !ok {
		return nil, alarms.ErrNotFound
	}
	if err := row.ApplyTransition(to, alarms.TransitionMeta{Actor: "op-test", Comment: comment, At: time.Now().UTC()}); err != nil {
		current := b.rows[id]
		return nil, &alarms.StateConflictError{Current: &current}
	}
	b.rows[id] = row
	return &row, nil
}

func (b *fakeBackend) Acknowledge(_ context.Context, id, comment string) (*alarms.AlarmOccurrence, error) {
	return b.transition(id, comment, alarms.StateAcknowledged)
}

func (b *fakeBackend) Clear(_ context.Context, id, comment string) (*alarms.AlarmOccurrence, error) {
	return b.transition(id, comment, alarms.StateCleared)
}

func TestCoordinatorAcknowledgeAdvancesLocal(t *testing.T) {
	store := NewStore()
	occ := activeOccurrence("occ-1", "rule-1")
	store.Upsert(occ)
	backend := newFakeBackend(occ)

	coord, err := NewCoordinator(store, backend)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	updated, err := coord.Acknowledge(context.Background(), "occ-1", "on it")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if updated.State != alarms.StateAcknowledged || updated.AcknowledgmentComment != "on it" {
		t.Fatalf("unexpected result: %+v", updated)
	}
	local, _ := store.Get("occ-1")
	if local.State != alarms.StateAcknowledged {
		t.Fatalf("local store not advanced: %+v", local)
	}
}

func TestCoordinatorDefersToBackendRejection(t *testing.T) {
	store := NewStore()
	// Local view is stale: it still believes occ-1 is active, but another
	// operator already cleared it in the backing store.
	stale := activeOccurrence("occ-1", "rule-1")
	store.Upsert(stale)
	clearedRow := stale
	clearedRow.State = alarms.StateCleared
	backend := newFakeBackend(clearedRow)

	coord, err := NewCoordinator(store, backend)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	_, err = coord.Acknowledge(context.Background(), "occ-1", "")
	if !errors.Is(err, alarms.ErrInvalidStateTransition) && !errors.Is(err, alarms.ErrStateConflict) {
		t.Fatalf("expected conflict-driven rejection, got %v", err)
	}
	local, _ := store.Get("occ-1")
	if local.State != alarms.StateCleared {
		t.Fatalf("local state must re-sync to the backend's row, got %s", local.State)
	}
}

func TestBulkAcknowledgePartialSuccess(t *testing.T) {
	store := NewStore()
	a := activeOccurrence("occ-a", "rule-1")
	b := activeOccurrence("occ-b", "rule-2")
	c := activeOccurrence("occ-c", "rule-3")
	c.State = alarms.StateCleared
	for _, occ := range []alarms.AlarmOccurrence{a, b, c} {
		store.Upsert(occ)
	}
	backend := newFakeBackend(a, b, c)

	coord, err := NewCoordinator(store, backend)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	result := coord.BulkAcknowledge(context.Background(), []string{"occ-a", "occ-b", "occ-c"}, "sweep")
	if result.SucceededCount() != 2 {
		t.Fatalf("succeeded = %d, want 2 (%+v)", result.SucceededCount(), result)
	}
	if result.FailedCount() != 1 {
		t.Fatalf("failed = %d, want 1 (%+v)", result.FailedCount(), result)
	}
	if result.Failed[0].ID != "occ-c" || result.Failed[0].Reason != alarms.ReasonInvalidTransition {
		t.Fatalf("unexpected failure entry: %+v", result.Failed[0])
	}
	for _, id := range []string{"occ-a", "occ-b"} {
		local, _ := store.Get(id)
		if local.State != alarms.StateAcknowledged {
			t.Fatalf("%s not acknowledged locally: %+v", id, local)
		}
	}
}

func TestCoordinatorTransportFailureLeavesLocalUntouched(t *testing.T) {
	store := NewStore()
	occ := activeOccurrence("occ-1", "rule-1")
	store.Upsert(occ)
	backend := newFakeBackend(occ)
	backend.errs["occ-1"] = errors.New("connection refused")

	coord, err := NewCoordinator(store, backend)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	if _, err := coord.Clear(context.Background(), "occ-1", ""); err == nil {
		t.Fatal("expected transport error")
	}
	local, _ := store.Get("occ-1")
	if local.State != alarms.StateActive {
		t.Fatalf("local state advanced despite backend failure: %+v", local)
	}
}
