package alarms

import (
	"errors"
	"time"
)

// OccurrenceState is the lifecycle state of an alarm occurrence.
type OccurrenceState string

const (
	StateActive       OccurrenceState = "active"
	StateAcknowledged OccurrenceState = "acknowledged"
	StateCleared      OccurrenceState = "cleared"
)

// Valid returns true when the state is part of the lifecycle.
func (s OccurrenceState) Valid() bool {
	switch s {
	case StateActive, StateAcknowledged, StateCleared:
		return true
	default:
		return false
	}
}

// AlarmOccurrence is one lifecycle instance of a rule firing, tracked from
// trigger to clear. Severity is denormalized from the rule at trigger time;
// later rule edits do not alter existing occurrences.
type AlarmOccurrence struct {
	ID                    string          `json:"id"`
	TenantID              string          `json:"tenant_id"`
	RuleID                string          `json:"rule_id"`
	Severity              Severity        `json:"severity"`
	Message               string          `json:"message,omitempty"`
	TriggeredValue        float64         `json:"triggered_value"`
	TriggeredAt           time.Time       `json:"triggered_at"`
	State                 OccurrenceState `json:"state"`
	AcknowledgedAt        time.Time       `json:"acknowledged_at,omitempty"`
	AcknowledgedBy        string          `json:"acknowledged_by,omitempty"`
	AcknowledgmentComment string          `json:"acknowledgment_comment,omitempty"`
	ClearedAt             time.Time       `json:"cleared_at,omitempty"`
	ClearedBy             string          `json:"cleared_by,omitempty"`
	ClearComment          string          `json:"clear_comment,omitempty"`
	OccurrenceCount       int             `json:"occurrence_count"`
	EscalationLevel       int             `json:"escalation_level"`
	NotificationCount     int             `json:"notification_count"`
	NotifiedAt            time.Time       `json:"notified_at,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Open reports whether the occurrence still blocks a new one for its rule.
// Acknowledged means a human has seen it, not that the condition resolved.
func (o AlarmOccurrence) Open() bool {
	return o.State == StateActive || o.State == StateAcknowledged
}

// CanTransition encodes the legal transition table: active may be
// acknowledged or cleared, acknowledged may only be cleared, and cleared is
// terminal.
func CanTransition(from, to OccurrenceState) bool {
	switch from {
	case StateActive:
		return to == StateAcknowledged || to == StateCleared
	case StateAcknowledged:
		return to == StateCleared
	default:
		return false
	}
}

// TransitionMeta carries the actor, comment and timestamp of a transition.
type TransitionMeta struct {
	Actor   string
	Comment string
	At      time.Time
}

// ApplyTransition moves the occurrence to a new state, recording the
// transition metadata. Illegal transitions return ErrInvalidStateTransition
// and leave the occurrence unmodified.
func (o *AlarmOccurrence) ApplyTransition(to OccurrenceState, meta TransitionMeta) error {
	if o == nil {
		return errors.New("alarms: nil occurrence")
	}
	if !to.Valid() {
		return ErrInvalidStateTransition
	}
	if !CanTransition(o.State, to) {
		return ErrInvalidStateTransition
	}
	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	switch to {
	case StateAcknowledged:
		o.AcknowledgedAt = at
		o.AcknowledgedBy = meta.Actor
		o.AcknowledgmentComment = meta.Comment
	case StateCleared:
		o.ClearedAt = at
		o.ClearedBy = meta.Actor
		o.ClearComment = meta.Comment
	}
	o.State = to
	o.UpdatedAt = at
	return nil
}
