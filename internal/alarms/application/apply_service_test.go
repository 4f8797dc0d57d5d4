package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	alarms "alarm-center/internal/alarms/domain"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type stubTemplates struct {
	mu        sync.Mutex
	byID      map[string]*alarms.AlarmTemplate
	usage     map[string]int
	getErr    error
	createErr error
}

func newStubTemplates(templates ...alarms.AlarmTemplate) *stubTemplates {
	s := &stubTemplates{byID: map[string]*alarms.AlarmTemplate{}, usage: map[string]int{}}
	for i := range templates {
		t := templates[i]
		s.byID[t.ID] = &t
	}
	return s
}

func (s *stubTemplates) GetByID(_ context.Context, _, id string) (*alarms.AlarmTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	template, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	copied := *template
	return &copied, nil
}

func (s *stubTemplates) IncrementUsage(_ context.Context, _, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[id]++
	return nil
}

func (s *stubTemplates) usageOf(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[id]
}

type stubRules struct {
	mu        sync.Mutex
	created   []alarms.AlarmRule
	existing  map[string]bool
	createErr map[string]error
}

func newStubRules() *stubRules {
	return &stubRules{existing: map[string]bool{}, createErr: map[string]error{}}
}

func ruleKey(templateID, targetID string) string { return templateID + "/" + targetID }

func (s *stubRules) Create(_ context.Context, rule *alarms.AlarmRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createErr[rule.TargetID]; err != nil {
		return err
	}
	s.created = append(s.created, *rule)
	return nil
}

func (s *stubRules) ExistsEnabledByTemplateTarget(_ context.Context, _, templateID, targetID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[ruleKey(templateID, targetID)], nil
}

func (s *stubRules) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type stubPoints struct {
	points map[string]*alarms.TargetPoint
	errFor map[string]error
}

func newStubPoints(points ...alarms.TargetPoint) *stubPoints {
	s := &stubPoints{points: map[string]*alarms.TargetPoint{}, errFor: map[string]error{}}
	for i := range points {
		p := points[i]
		s.points[p.ID] = &p
	}
	return s
}

func (s *stubPoints) GetPoint(_ context.Context, _, id string) (*alarms.TargetPoint, error) {
	if err := s.errFor[id]; err != nil {
		return nil, err
	}
	return s.points[id], nil
}

func thresholdTemplate() alarms.AlarmTemplate {
	return alarms.AlarmTemplate{
		ID:                  "tpl-1",
		TenantID:            "tenant-1",
		Name:                "High Temperature",
		ConditionType:       alarms.ConditionThreshold,
		DefaultConfig:       map[string]any{"threshold": 80.0, "deadband": 2.0},
		Severity:            alarms.SeverityHigh,
		MessageTemplate:     "{{.RuleName}} breached with {{.Value}}",
		ApplicableDataTypes: []string{"float"},
		IsActive:            true,
	}
}

func newTestApplyService(t *testing.T, templates *stubTemplates, rules *stubRules, points *stubPoints) *ApplyService {
	t.Helper()
	var seq int
	svc, err := NewApplyService(templates, rules, points, "tenant-1",
		WithApplyClock(fixedClock{now: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)}),
		WithRuleIDFactory(func() string {
			seq++
			return fmt.Sprintf("rule-%d", seq)
		}),
	)
	if err != nil {
		t.Fatalf("new apply service: %v", err)
	}
	return svc
}

func TestApplyCreatesRulesAndReportsFailures(t *testing.T) {
	templates := newStubTemplates(thresholdTemplate())
	rules := newStubRules()
	points := newStubPoints(
		alarms.TargetPoint{ID: "point-101", Name: "Boiler A", DataType: "float"},
		alarms.TargetPoint{ID: "point-102", Name: "Boiler B", DataType: "float"},
	)
	svc := newTestApplyService(t, templates, rules, points)

	result, err := svc.Apply(context.Background(), ApplyRequest{
		TemplateID: "tpl-1",
		TargetIDs:  []string{"point-101", "point-102", "point-103"},
		OverridesByTarget: map[string]map[string]any{
			"point-102": {"threshold": 90.0},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.CreatedCount() != 2 || result.FailedCount() != 1 {
		t.Fatalf("created=%d failed=%d, want 2/1", result.CreatedCount(), result.FailedCount())
	}
	if result.Failed[0].TargetID != "point-103" || result.Failed[0].Reason != alarms.ReasonUnknownTarget {
		t.Fatalf("unexpected failure: %+v", result.Failed[0])
	}
	if result.RuleGroupID != "High Temperature_20260823" {
		t.Fatalf("group id = %q", result.RuleGroupID)
	}

	first, second := result.Created[0], result.Created[1]
	if first.TargetID != "point-101" || second.TargetID != "point-102" {
		t.Fatalf("created not sorted by target: %q, %q", first.TargetID, second.TargetID)
	}
	if got := first.ResolvedConfig["threshold"]; got != 80.0 {
		t.Fatalf("default threshold not carried: %v", got)
	}
	if got := second.ResolvedConfig["threshold"]; got != 90.0 {
		t.Fatalf("override not applied: %v", got)
	}
	if first.Name != "High Temperature @ Boiler A" {
		t.Fatalf("rule name = %q", first.Name)
	}
	if !first.Enabled || !first.CreatedByTemplate || first.RuleGroupID != result.RuleGroupID {
		t.Fatalf("rule provenance wrong: %+v", first)
	}
	if first.Severity != alarms.SeverityHigh {
		t.Fatalf("severity = %q", first.Severity)
	}
	if templates.usageOf("tpl-1") != 1 {
		t.Fatalf("usage = %d, want exactly 1 for the whole batch", templates.usageOf("tpl-1"))
	}
}

func TestApplyRejectsIncompatibleDataType(t *testing.T) {
	templates := newStubTemplates(thresholdTemplate())
	rules := newStubRules()
	points := newStubPoints(alarms.TargetPoint{ID: "point-201", Name: "Door Switch", DataType: "bool"})
	svc := newTestApplyService(t, templates, rules, points)

	result, err := svc.Apply(context.Background(), ApplyRequest{TemplateID: "tpl-1", TargetIDs: []string{"point-201"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.CreatedCount() != 0 || result.FailedCount() != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Failed[0].Reason != alarms.ReasonIncompatibleDataType {
		t.Fatalf("reason = %q", result.Failed[0].Reason)
	}
	if templates.usageOf("tpl-1") != 0 {
		t.Fatal("usage incremented although nothing was created")
	}
}

func TestApplyRejectsDuplicateRule(t *testing.T) {
	templates := newStubTemplates(thresholdTemplate())
	rules := newStubRules()
	rules.existing[ruleKey("tpl-1", "point-101")] = true
	points := newStubPoints(alarms.TargetPoint{ID: "point-101", Name: "Boiler A", DataType: "float"})
	svc := newTestApplyService(t, templates, rules, points)

	result, err := svc.Apply(context.Background(), ApplyRequest{TemplateID: "tpl-1", TargetIDs: []string{"point-101"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.FailedCount() != 1 || result.Failed[0].Reason != alarms.ReasonDuplicateRule {
		t.Fatalf("unexpected result: %+v", result)
	}
	if rules.createdCount() != 0 {
		t.Fatal("duplicate target still created a rule")
	}
}

func TestApplyReportsMissingFieldsOnBadOverride(t *testing.T) {
	templates := newStubTemplates(thresholdTemplate())
	rules := newStubRules()
	points := newStubPoints(alarms.TargetPoint{ID: "point-101", Name: "Boiler A", DataType: "float"})
	svc := newTestApplyService(t, templates, rules, points)

	result, err := svc.Apply(context.Background(), ApplyRequest{
		TemplateID: "tpl-1",
		TargetIDs:  []string{"point-101"},
		OverridesByTarget: map[string]map[string]any{
			"point-101": {"threshold": "very hot"},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.FailedCount() != 1 || result.Failed[0].Reason != alarms.ReasonInvalidConfig {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Failed[0].Missing) != 1 || result.Failed[0].Missing[0] != "threshold" {
		t.Fatalf("missing fields = %v", result.Failed[0].Missing)
	}
}

func TestApplyOneFailureDoesNotAbortOthers(t *testing.T) {
	templates := newStubTemplates(thresholdTemplate())
	rules := newStubRules()
	rules.createErr["point-102"] = errors.New("connection reset")
	points := newStubPoints(
		alarms.TargetPoint{ID: "point-101", Name: "Boiler A", DataType: "float"},
		alarms.TargetPoint{ID: "point-102", Name: "Boiler B", DataType: "float"},
	)
	svc := newTestApplyService(t, templates, rules, points)

	result, err := svc.Apply(context.Background(), ApplyRequest{TemplateID: "tpl-1", TargetIDs: []string{"point-101", "point-102"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.CreatedCount() != 1 || result.FailedCount() != 1 {
		t.Fatalf("created=%d failed=%d, want 1/1", result.CreatedCount(), result.FailedCount())
	}
	if result.Failed[0].Reason != alarms.ReasonTransportFailure {
		t.Fatalf("reason = %q", result.Failed[0].Reason)
	}
}

func TestApplyUsesCallerGroupName(t *testing.T) {
	templates := newStubTemplates(thresholdTemplate())
	rules := newStubRules()
	points := newStubPoints(alarms.TargetPoint{ID: "point-101", Name: "Boiler A", DataType: "float"})
	svc := newTestApplyService(t, templates, rules, points)

	result, err := svc.Apply(context.Background(), ApplyRequest{
		TemplateID: "tpl-1",
		TargetIDs:  []string{"point-101"},
		GroupName:  "rollout-week-34",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.RuleGroupID != "rollout-week-34" {
		t.Fatalf("group id = %q", result.RuleGroupID)
	}
}

func TestApplyInactiveTemplate(t *testing.T) {
	template := thresholdTemplate()
	template.IsActive = false
	svc := newTestApplyService(t, newStubTemplates(template), newStubRules(), newStubPoints())

	_, err := svc.Apply(context.Background(), ApplyRequest{TemplateID: "tpl-1", TargetIDs: []string{"point-101"}})
	if !errors.Is(err, alarms.ErrTemplateInactive) {
		t.Fatalf("expected ErrTemplateInactive, got %v", err)
	}
}

func TestApplyUnknownTemplate(t *testing.T) {
	svc := newTestApplyService(t, newStubTemplates(), newStubRules(), newStubPoints())

	_, err := svc.Apply(context.Background(), ApplyRequest{TemplateID: "tpl-missing", TargetIDs: []string{"point-101"}})
	if !errors.Is(err, alarms.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
