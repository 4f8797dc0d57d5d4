package alarms

import (
	"errors"
	"testing"
	"time"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    OccurrenceState
		to      OccurrenceState
		allowed bool
	}{
		{StateActive, StateAcknowledged, true},
		{StateActive, StateCleared, true},
		{StateAcknowledged, StateCleared, true},
		{StateAcknowledged, StateActive, false},
		{StateCleared, StateActive, false},
		{StateCleared, StateAcknowledged, false},
		{StateActive, StateActive, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.allowed {
			t.Fatalf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestApplyTransitionRecordsMeta(t *testing.T) {
	at := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	occ := AlarmOccurrence{
		ID:              "occ-1",
		RuleID:          "rule-1",
		State:           StateActive,
		OccurrenceCount: 1,
	}
	if err := occ.ApplyTransition(StateAcknowledged, TransitionMeta{Actor: "operator-7", Comment: "checked", At: at}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if occ.State != StateAcknowledged || occ.AcknowledgedBy != "operator-7" || occ.AcknowledgmentComment != "checked" {
		t.Fatalf("acknowledgment meta not recorded: %+v", occ)
	}
	if !occ.AcknowledgedAt.Equal(at) {
		t.Fatalf("acknowledged at = %v, want %v", occ.AcknowledgedAt, at)
	}

	if err := occ.ApplyTransition(StateCleared, TransitionMeta{Actor: "operator-7", At: at.Add(time.Minute)}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if occ.State != StateCleared {
		t.Fatalf("state = %s, want cleared", occ.State)
	}
}

func TestApplyTransitionRejectsIllegal(t *testing.T) {
	occ := AlarmOccurrence{ID: "occ-1", RuleID: "rule-1", State: StateCleared, ClearedBy: "operator-1"}
	before := occ
	err := occ.ApplyTransition(StateAcknowledged, TransitionMeta{Actor: "operator-2"})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if occ != before {
		t.Fatalf("occurrence mutated on rejected transition: %+v", occ)
	}
}
