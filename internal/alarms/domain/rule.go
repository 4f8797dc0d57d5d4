package alarms

import (
	"errors"
	"time"
)

// AlarmRule is a template bound to one telemetry target with resolved config.
type AlarmRule struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	TemplateID        string         `json:"template_id,omitempty"`
	TargetID          string         `json:"target_id"`
	Name              string         `json:"name"`
	ConditionType     ConditionType  `json:"condition_type"`
	ResolvedConfig    map[string]any `json:"resolved_config"`
	Severity          Severity       `json:"severity"`
	Enabled           bool           `json:"enabled"`
	RuleGroupID       string         `json:"rule_group_id,omitempty"`
	CreatedByTemplate bool           `json:"created_by_template"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Validate checks rule invariants. A rule whose resolved config does not
// satisfy the condition schema must never be persisted.
func (r AlarmRule) Validate() error {
	if r.ID == "" {
		return errors.New("alarm rule: empty id")
	}
	if r.TenantID == "" {
		return errors.New("alarm rule: empty tenant id")
	}
	if r.TargetID == "" {
		return errors.New("alarm rule: empty target id")
	}
	if r.Name == "" {
		return errors.New("alarm rule: empty name")
	}
	if !r.ConditionType.Valid() {
		return ErrUnknownConditionType
	}
	if !r.Severity.Valid() {
		return errors.New("alarm rule: invalid severity")
	}
	missing, err := ValidateConfig(r.ConditionType, r.ResolvedConfig)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}
