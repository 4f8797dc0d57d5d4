package alarms

import (
	"errors"
	"time"
)

// ConditionType identifies how a rule's config is interpreted by the evaluator.
type ConditionType string

const (
	ConditionThreshold ConditionType = "threshold"
	ConditionRange     ConditionType = "range"
	ConditionDigital   ConditionType = "digital"
	ConditionPattern   ConditionType = "pattern"
	ConditionScript    ConditionType = "script"
)

// Valid returns true when the condition type is supported.
func (c ConditionType) Valid() bool {
	switch c {
	case ConditionThreshold, ConditionRange, ConditionDigital, ConditionPattern, ConditionScript:
		return true
	default:
		return false
	}
}

// Severity classifies templates, rules and occurrences.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid returns true when the severity is supported.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// AlarmTemplate is a reusable parametrized alarm condition definition.
type AlarmTemplate struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	Name                string         `json:"name"`
	Description         string         `json:"description,omitempty"`
	ConditionType       ConditionType  `json:"condition_type"`
	DefaultConfig       map[string]any `json:"default_config"`
	Severity            Severity       `json:"severity"`
	MessageTemplate     string         `json:"message_template,omitempty"`
	ApplicableDataTypes []string       `json:"applicable_data_types"`
	UsageCount          int            `json:"usage_count"`
	IsActive            bool           `json:"is_active"`
	IsSystemTemplate    bool           `json:"is_system_template"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Validate checks template invariants.
func (t AlarmTemplate) Validate() error {
	if t.ID == "" {
		return errors.New("alarm template: empty id")
	}
	if t.TenantID == "" {
		return errors.New("alarm template: empty tenant id")
	}
	if t.Name == "" {
		return errors.New("alarm template: empty name")
	}
	if !t.ConditionType.Valid() {
		return ErrUnknownConditionType
	}
	if !t.Severity.Valid() {
		return errors.New("alarm template: invalid severity")
	}
	return nil
}

// AcceptsDataType reports whether a target point's data type is applicable.
// A template with no declared data types accepts any target.
func (t AlarmTemplate) AcceptsDataType(dataType string) bool {
	if len(t.ApplicableDataTypes) == 0 {
		return true
	}
	for _, dt := range t.ApplicableDataTypes {
		if dt == dataType {
			return true
		}
	}
	return false
}

// TargetPoint is the slice of a telemetry point the applier needs: its
// identity and data type. The point directory itself lives outside this
// subsystem.
type TargetPoint struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}
