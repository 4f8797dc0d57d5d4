package application

import (
	"context"
	"errors"

	alarms "alarm-center/internal/alarms/domain"
)

// RuleDirectory is the rule surface of the backing store used for management
// beyond creation: lookup, group and target listings, enable toggles, removal.
type RuleDirectory interface {
	GetByID(ctx context.Context, tenantID, ruleID string) (*alarms.AlarmRule, error)
	ListByGroup(ctx context.Context, tenantID, ruleGroupID string) ([]alarms.AlarmRule, error)
	ListByTarget(ctx context.Context, tenantID, targetID string) ([]alarms.AlarmRule, error)
	SetEnabled(ctx context.Context, tenantID, ruleID string, enabled bool) error
	Delete(ctx context.Context, tenantID, ruleID string) error
}

// RuleService manages rules after template application produced them.
type RuleService struct {
	rules    RuleDirectory
	tenantID string
}

// NewRuleService constructs a rule service.
func NewRuleService(rules RuleDirectory, tenantID string) (*RuleService, error) {
	if rules == nil {
		return nil, errors.New("alarms rules: nil directory")
	}
	if tenantID == "" {
		return nil, errors.New("alarms rules: empty tenant id")
	}
	return &RuleService{rules: rules, tenantID: tenantID}, nil
}

// Get loads one rule.
func (s *RuleService) Get(ctx context.Context, id string) (*alarms.AlarmRule, error) {
	if s == nil {
		return nil, errors.New("alarms rules: nil service")
	}
	rule, err := s.rules.GetByID(ctx, s.tenantID, id)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, alarms.ErrNotFound
	}
	return rule, nil
}

// ListByGroup returns all rules created by one apply operation.
func (s *RuleService) ListByGroup(ctx context.Context, ruleGroupID string) ([]alarms.AlarmRule, error) {
	if s == nil {
		return nil, errors.New("alarms rules: nil service")
	}
	if ruleGroupID == "" {
		return nil, errors.New("alarms rules: empty rule group id")
	}
	return s.rules.ListByGroup(ctx, s.tenantID, ruleGroupID)
}

// ListByTarget returns all rules bound to one telemetry point.
func (s *RuleService) ListByTarget(ctx context.Context, targetID string) ([]alarms.AlarmRule, error) {
	if s == nil {
		return nil, errors.New("alarms rules: nil service")
	}
	if targetID == "" {
		return nil, errors.New("alarms rules: empty target id")
	}
	return s.rules.ListByTarget(ctx, s.tenantID, targetID)
}

// SetEnabled toggles rule evaluation. Disabled rules keep their open
// occurrences; only new triggers are suppressed.
func (s *RuleService) SetEnabled(ctx context.Context, id string, enabled bool) (*alarms.AlarmRule, error) {
	if s == nil {
		return nil, errors.New("alarms rules: nil service")
	}
	if err := s.rules.SetEnabled(ctx, s.tenantID, id, enabled); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes one rule.
func (s *RuleService) Delete(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("alarms rules: nil service")
	}
	return s.rules.Delete(ctx, s.tenantID, id)
}
