// Package session holds the operator-session view of alarm occurrences: an
// in-memory snapshot store fed by reconciliation, the acknowledge/clear
// coordinator, and the statistics aggregator derived from the store.
package session

import (
	"sync"

	alarms "alarm-center/internal/alarms/domain"
)

// Store keeps the currently known alarm occurrences keyed by id. Every
// mutation builds a new snapshot map and swaps it in, so readers always see a
// consistent, immutable view and the aggregator never observes a partial
// write.
type Store struct {
	mu       sync.Mutex
	snapshot map[string]alarms.AlarmOccurrence
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{snapshot: map[string]alarms.AlarmOccurrence{}}
}

// Snapshot returns the current immutable view. Callers must not modify it.
func (s *Store) Snapshot() map[string]alarms.AlarmOccurrence {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Get returns the occurrence for an id, if known.
func (s *Store) Get(id string) (alarms.AlarmOccurrence, bool) {
	if s == nil {
		return alarms.AlarmOccurrence{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.snapshot[id]
	return occ, ok
}

// Len returns the number of known occurrences.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshot)
}

// Upsert merges one occurrence into the store by id. A re-delivery is a
// full-state replace, which makes the operation idempotent and insensitive to
// delivery order per id.
func (s *Store) Upsert(occ alarms.AlarmOccurrence) {
	if s == nil || occ.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.snapshot[occ.ID]; ok && equalOccurrence(existing, occ) {
		return
	}
	next := cloneSnapshot(s.snapshot)
	next[occ.ID] = occ
	s.snapshot = next
}

// OpenOccurrenceFor returns the active or acknowledged occurrence for a rule,
// if one exists. Used by the dedup-while-open policy.
func (s *Store) OpenOccurrenceFor(ruleID string) (alarms.AlarmOccurrence, bool) {
	if s == nil || ruleID == "" {
		return alarms.AlarmOccurrence{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, occ := range s.snapshot {
		if occ.RuleID == ruleID && occ.Open() {
			return occ, true
		}
	}
	return alarms.AlarmOccurrence{}, false
}

// Transition moves a stored occurrence to a new state under the legal
// transition table. Illegal requests return ErrInvalidStateTransition and
// leave the stored entry unmodified; unknown ids return ErrNotFound.
func (s *Store) Transition(id string, to alarms.OccurrenceState, meta alarms.TransitionMeta) (alarms.AlarmOccurrence, error) {
	if s == nil || id == "" {
		return alarms.AlarmOccurrence{}, alarms.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.snapshot[id]
	if !ok {
		return alarms.AlarmOccurrence{}, alarms.ErrNotFound
	}
	if err := occ.ApplyTransition(to, meta); err != nil {
		return alarms.AlarmOccurrence{}, err
	}
	next := cloneSnapshot(s.snapshot)
	next[id] = occ
	s.snapshot = next
	return occ, nil
}

func cloneSnapshot(snapshot map[string]alarms.AlarmOccurrence) map[string]alarms.AlarmOccurrence {
	next := make(map[string]alarms.AlarmOccurrence, len(snapshot)+1)
	for id, occ := range snapshot {
		next[id] = occ
	}
	return next
}

func equalOccurrence(a, b alarms.AlarmOccurrence) bool {
	return a == b
}
