package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	alarms "alarm-center/internal/alarms/domain"
)

// Backend is the backing store the coordinator forwards transitions to. It is
// the sole arbiter of transition legality under concurrent operators; the
// local store's table is only a fast-path check.
type Backend interface {
	Acknowledge(ctx context.Context, id, comment string) (*alarms.AlarmOccurrence, error)
	Clear(ctx context.Context, id, comment string) (*alarms.AlarmOccurrence, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Coordinator applies acknowledge/clear transitions to the session store,
// deferring to the backing store's decision before advancing local state.
type Coordinator struct {
	store   *Store
	backend Backend
	clock   Clock
}

// CoordinatorOption customizes the coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the default clock.
func WithClock(clock Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(store *Store, backend Backend, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("session: nil store")
	}
	if backend == nil {
		return nil, errors.New("session: nil backend")
	}
	c := &Coordinator{store: store, backend: backend, clock: systemClock{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Acknowledge moves an occurrence to acknowledged. The local entry advances
// only after the backing store accepts; a conflict re-syncs local state from
// the backing store's current row instead of assuming the caller's intent.
func (c *Coordinator) Acknowledge(ctx context.Context, id, comment string) (alarms.AlarmOccurrence, error) {
	return c.transition(ctx, id, alarms.StateAcknowledged, comment)
}

// Clear moves an occurrence to cleared. Cleared is terminal; the occurrence
// stays in the store for history but no longer counts as open.
func (c *Coordinator) Clear(ctx context.Context, id, comment string) (alarms.AlarmOccurrence, error) {
	return c.transition(ctx, id, alarms.StateCleared, comment)
}

func (c *Coordinator) transition(ctx context.Context, id string, to alarms.OccurrenceState, comment string) (alarms.AlarmOccurrence, error) {
	if c == nil || c.store == nil || c.backend == nil {
		return alarms.AlarmOccurrence{}, errors.New("session: nil coordinator")
	}
	if id == "" {
		return alarms.AlarmOccurrence{}, alarms.ErrNotFound
	}

	// Fast-path rejection from the local table. A missing local entry is not
	// a failure: the backend may know occurrences this session has not yet
	// reconciled.
	if local, ok := c.store.Get(id); ok && !alarms.CanTransition(local.State, to) {
		return alarms.AlarmOccurrence{}, alarms.ErrInvalidStateTransition
	}

	var (
		updated *alarms.AlarmOccurrence
		err     error
	)
	switch to {
	case alarms.StateAcknowledged:
		updated, err = c.backend.Acknowledge(ctx, id, comment)
	case alarms.StateCleared:
		updated, err = c.backend.Clear(ctx, id, comment)
	default:
		return alarms.AlarmOccurrence{}, alarms.ErrInvalidStateTransition
	}
	if err != nil {
		var conflict *alarms.StateConflictError
		if errors.As(err, &conflict) && conflict.Current != nil {
			c.store.Upsert(*conflict.Current)
			if !alarms.CanTransition(conflict.Current.State, to) {
				return alarms.AlarmOccurrence{}, alarms.ErrInvalidStateTransition
			}
		}
		return alarms.AlarmOccurrence{}, err
	}
	if updated == nil {
		return alarms.AlarmOccurrence{}, alarms.ErrNotFound
	}
	c.store.Upsert(*updated)
	return *updated, nil
}

// BulkItemFailure reports one failed id of a bulk operation.
type BulkItemFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult reports per-id outcomes of a bulk operation. Partial success is
// the expected shape, surfaced as counts, never collapsed into one flag.
type BulkResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    []BulkItemFailure `json:"failed"`
}

// SucceededCount returns the number of ids that succeeded.
func (r BulkResult) SucceededCount() int { return len(r.Succeeded) }

// FailedCount returns the number of ids that failed.
func (r BulkResult) FailedCount() int { return len(r.Failed) }

// BulkAcknowledge issues one independent acknowledge per id, fanning out
// concurrently and collecting results as they resolve. There is no atomicity
// across the batch: each id succeeds or fails on its own merits.
func (c *Coordinator) BulkAcknowledge(ctx context.Context, ids []string, comment string) BulkResult {
	var (
		mu     sync.Mutex
		result BulkResult
		wg     sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := c.Acknowledge(ctx, id, comment)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, BulkItemFailure{ID: id, Reason: failureReason(err)})
				return
			}
			result.Succeeded = append(result.Succeeded, id)
		}(id)
	}
	wg.Wait()
	sort.Strings(result.Succeeded)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].ID < result.Failed[j].ID })
	return result
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, alarms.ErrInvalidStateTransition):
		return alarms.ReasonInvalidTransition
	case errors.Is(err, alarms.ErrStateConflict):
		return alarms.ReasonStateConflict
	case errors.Is(err, alarms.ErrNotFound):
		return alarms.ReasonNotFound
	default:
		return alarms.ReasonTransportFailure
	}
}
