package alarms

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates a missing template, rule or occurrence record.
var ErrNotFound = errors.New("alarms: not found")

// ErrInvalidStateTransition indicates a transition outside the legal table.
var ErrInvalidStateTransition = errors.New("alarms: invalid state transition")

// ErrStateConflict indicates the backing store rejected a transition because
// another actor already moved the occurrence.
var ErrStateConflict = errors.New("alarms: concurrent state conflict")

// ErrSystemTemplate indicates an attempt to edit or delete a system template.
var ErrSystemTemplate = errors.New("alarms: system template is immutable")

// ErrTemplateInactive indicates an apply against a deactivated template.
var ErrTemplateInactive = errors.New("alarms: template is not active")

// ErrTemplateInUse indicates a delete while rules created from the template remain.
var ErrTemplateInUse = errors.New("alarms: template has rules")

// ErrUnknownConditionType indicates a condition type outside the supported set.
var ErrUnknownConditionType = errors.New("alarms: unknown condition type")

// Per-item failure reasons reported by batch operations.
const (
	ReasonIncompatibleDataType = "incompatible_data_type"
	ReasonInvalidConfig        = "invalid_config"
	ReasonDuplicateRule        = "duplicate_rule"
	ReasonUnknownTarget        = "unknown_target"
	ReasonTransportFailure     = "transport_failure"
	ReasonInvalidTransition    = "invalid_state_transition"
	ReasonStateConflict        = "concurrent_state_conflict"
	ReasonNotFound             = "not_found"
)

// ValidationError reports required condition config fields that are absent
// or of the wrong type after merging.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Missing) == 0 {
		return "alarms: invalid condition config"
	}
	return "alarms: missing required config fields: " + strings.Join(e.Missing, ", ")
}

// StateConflictError carries the backing store's current row so callers can
// re-sync local state after a rejected transition.
type StateConflictError struct {
	Current *AlarmOccurrence
}

func (e *StateConflictError) Error() string {
	if e == nil || e.Current == nil {
		return ErrStateConflict.Error()
	}
	return fmt.Sprintf("alarms: concurrent state conflict: occurrence %s is %s", e.Current.ID, e.Current.State)
}

// Is makes the conflict error match ErrStateConflict under errors.Is.
func (e *StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}
