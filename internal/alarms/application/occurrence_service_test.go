package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	alarms "alarm-center/internal/alarms/domain"
	"alarm-center/internal/auth"
)

type stubOccurrences struct {
	mu   sync.Mutex
	byID map[string]*alarms.AlarmOccurrence
}

func newStubOccurrences() *stubOccurrences {
	return &stubOccurrences{byID: map[string]*alarms.AlarmOccurrence{}}
}

func (s *stubOccurrences) Create(_ context.Context, occurrence *alarms.AlarmOccurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *occurrence
	s.byID[copied.ID] = &copied
	return nil
}

func (s *stubOccurrences) GetByID(_ context.Context, _, id string) (*alarms.AlarmOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occurrence, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	copied := *occurrence
	return &copied, nil
}

func (s *stubOccurrences) FindOpenByRule(_ context.Context, _, ruleID string) (*alarms.AlarmOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, occurrence := range s.byID {
		if occurrence.RuleID == ruleID && occurrence.Open() {
			copied := *occurrence
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *stubOccurrences) IncrementOccurrence(_ context.Context, _, id string, value float64, at time.Time) (*alarms.AlarmOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occurrence, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	occurrence.OccurrenceCount++
	occurrence.TriggeredValue = value
	occurrence.UpdatedAt = at
	copied := *occurrence
	return &copied, nil
}

func (s *stubOccurrences) markTransition(id string, to alarms.OccurrenceState, meta alarms.TransitionMeta) (*alarms.AlarmOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occurrence, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	if err := occurrence.ApplyTransition(to, meta); err != nil {
		current := *occurrence
		return nil, &alarms.StateConflictError{Current: &current}
	}
	copied := *occurrence
	return &copied, nil
}

func (s *stubOccurrences) MarkAcknowledged(_ context.Context, _, id string, meta alarms.TransitionMeta) (*alarms.AlarmOccurrence, error) {
	return s.markTransition(id, alarms.StateAcknowledged, meta)
}

func (s *stubOccurrences) MarkCleared(_ context.Context, _, id string, meta alarms.TransitionMeta) (*alarms.AlarmOccurrence, error) {
	return s.markTransition(id, alarms.StateCleared, meta)
}

func (s *stubOccurrences) IncrementEscalation(_ context.Context, _, id string) (*alarms.AlarmOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	occurrence, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	occurrence.EscalationLevel++
	copied := *occurrence
	return &copied, nil
}

func (s *stubOccurrences) MarkNotified(_ context.Context, _, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	occurrence, ok := s.byID[id]
	if !ok {
		return alarms.ErrNotFound
	}
	occurrence.NotificationCount++
	occurrence.NotifiedAt = at
	return nil
}

func (s *stubOccurrences) ListActive(_ context.Context, _ string) ([]alarms.AlarmOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alarms.AlarmOccurrence
	for _, occurrence := range s.byID {
		if occurrence.Open() {
			out = append(out, *occurrence)
		}
	}
	return out, nil
}

func (s *stubOccurrences) ListHistory(_ context.Context, _ string, _ HistoryFilter) ([]alarms.AlarmOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alarms.AlarmOccurrence
	for _, occurrence := range s.byID {
		out = append(out, *occurrence)
	}
	return out, nil
}

type stubRuleReader struct {
	byID map[string]*alarms.AlarmRule
}

func (s *stubRuleReader) GetByID(_ context.Context, _, id string) (*alarms.AlarmRule, error) {
	rule, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	copied := *rule
	return &copied, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []OccurrenceEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event OccurrenceEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, event := range n.events {
		out = append(out, event.Type)
	}
	return out
}

func testRule() alarms.AlarmRule {
	return alarms.AlarmRule{
		ID:             "rule-1",
		TenantID:       "tenant-1",
		TemplateID:     "tpl-1",
		TargetID:       "point-101",
		Name:           "High Temperature @ Boiler A",
		ConditionType:  alarms.ConditionThreshold,
		ResolvedConfig: map[string]any{"threshold": 80.0},
		Severity:       alarms.SeverityHigh,
		Enabled:        true,
	}
}

func newTestOccurrenceService(t *testing.T, store *stubOccurrences, rule alarms.AlarmRule, messageTemplate string, notifier OccurrenceNotifier) *OccurrenceService {
	t.Helper()
	template := thresholdTemplate()
	template.MessageTemplate = messageTemplate
	rules := &stubRuleReader{byID: map[string]*alarms.AlarmRule{rule.ID: &rule}}

	var seq int
	opts := []OccurrenceOption{
		WithOccurrenceClock(fixedClock{now: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)}),
		WithOccurrenceIDFactory(func() string {
			seq++
			return "occ-" + string(rune('0'+seq))
		}),
	}
	if notifier != nil {
		opts = append(opts, WithNotifier(notifier))
	}
	svc, err := NewOccurrenceService(store, rules, newStubTemplates(template), "tenant-1", opts...)
	if err != nil {
		t.Fatalf("new occurrence service: %v", err)
	}
	return svc
}

func TestRecordTriggerCreatesOccurrence(t *testing.T) {
	store := newStubOccurrences()
	notifier := &recordingNotifier{}
	svc := newTestOccurrenceService(t, store, testRule(), "{{.RuleName}} breached with {{.Value}}", notifier)

	occurrence, err := svc.RecordTrigger(context.Background(), TriggerEvent{RuleID: "rule-1", Value: 91.5})
	if err != nil {
		t.Fatalf("record trigger: %v", err)
	}
	if occurrence == nil {
		t.Fatal("expected an occurrence")
	}
	if occurrence.State != alarms.StateActive || occurrence.OccurrenceCount != 1 {
		t.Fatalf("unexpected occurrence: %+v", occurrence)
	}
	if occurrence.Severity != alarms.SeverityHigh {
		t.Fatalf("severity not denormalized from rule: %q", occurrence.Severity)
	}
	if occurrence.Message != "High Temperature @ Boiler A breached with 91.5" {
		t.Fatalf("message = %q", occurrence.Message)
	}
	if got := notifier.types(); len(got) != 1 || got[0] != EventTriggered {
		t.Fatalf("events = %v", got)
	}
}

func TestRecordTriggerDeduplicatesWhileOpen(t *testing.T) {
	store := newStubOccurrences()
	notifier := &recordingNotifier{}
	svc := newTestOccurrenceService(t, store, testRule(), "", notifier)

	first, err := svc.RecordTrigger(context.Background(), TriggerEvent{RuleID: "rule-1", Value: 85})
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	second, err := svc.RecordTrigger(context.Background(), TriggerEvent{RuleID: "rule-1", Value: 95})
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("dedup created a new occurrence: %q vs %q", second.ID, first.ID)
	}
	if second.OccurrenceCount != 2 {
		t.Fatalf("occurrence count = %d, want 2", second.OccurrenceCount)
	}
	if second.TriggeredValue != 95 {
		t.Fatalf("latest value not recorded: %g", second.TriggeredValue)
	}
	if got := notifier.types(); len(got) != 2 || got[1] != EventRetriggered {
		t.Fatalf("events = %v", got)
	}
}

func TestRecordTriggerAfterClearStartsFresh(t *testing.T) {
	store := newStubOccurrences()
	svc := newTestOccurrenceService(t, store, testRule(), "", nil)
	ctx := context.Background()

	first, err := svc.RecordTrigger(ctx, TriggerEvent{RuleID: "rule-1", Value: 85})
	if err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if _, err := svc.Clear(ctx, first.ID, "condition resolved"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	second, err := svc.RecordTrigger(ctx, TriggerEvent{RuleID: "rule-1", Value: 88})
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("cleared occurrence absorbed a fresh trigger")
	}
	if second.OccurrenceCount != 1 {
		t.Fatalf("fresh occurrence count = %d", second.OccurrenceCount)
	}
}

func TestRecordTriggerIgnoresDisabledRule(t *testing.T) {
	rule := testRule()
	rule.Enabled = false
	store := newStubOccurrences()
	svc := newTestOccurrenceService(t, store, rule, "", nil)

	occurrence, err := svc.RecordTrigger(context.Background(), TriggerEvent{RuleID: "rule-1", Value: 85})
	if err != nil {
		t.Fatalf("record trigger: %v", err)
	}
	if occurrence != nil {
		t.Fatalf("disabled rule produced an occurrence: %+v", occurrence)
	}
}

func TestRecordTriggerUnknownRule(t *testing.T) {
	svc := newTestOccurrenceService(t, newStubOccurrences(), testRule(), "", nil)

	_, err := svc.RecordTrigger(context.Background(), TriggerEvent{RuleID: "rule-missing", Value: 85})
	if !errors.Is(err, alarms.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAcknowledgeRecordsActorFromContext(t *testing.T) {
	store := newStubOccurrences()
	notifier := &recordingNotifier{}
	svc := newTestOccurrenceService(t, store, testRule(), "", notifier)

	ctx := auth.WithIdentity(context.Background(), "tenant-1", auth.RoleOperator, "operator-7")
	occurrence, err := svc.RecordTrigger(ctx, TriggerEvent{RuleID: "rule-1", Value: 85})
	if err != nil {
		t.Fatalf("record trigger: %v", err)
	}

	acked, err := svc.Acknowledge(ctx, occurrence.ID, "on it")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.State != alarms.StateAcknowledged {
		t.Fatalf("state = %q", acked.State)
	}
	if acked.AcknowledgedBy != "operator-7" || acked.AcknowledgmentComment != "on it" {
		t.Fatalf("actor not recorded: %+v", acked)
	}
	if got := notifier.types(); len(got) != 2 || got[1] != EventAcknowledged {
		t.Fatalf("events = %v", got)
	}
}

func TestClearConflictCarriesCurrentRow(t *testing.T) {
	store := newStubOccurrences()
	svc := newTestOccurrenceService(t, store, testRule(), "", nil)
	ctx := context.Background()

	occurrence, err := svc.RecordTrigger(ctx, TriggerEvent{RuleID: "rule-1", Value: 85})
	if err != nil {
		t.Fatalf("record trigger: %v", err)
	}
	if _, err := svc.Clear(ctx, occurrence.ID, "first operator"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	_, err = svc.Clear(ctx, occurrence.ID, "second operator")
	if !errors.Is(err, alarms.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	var conflict *alarms.StateConflictError
	if !errors.As(err, &conflict) || conflict.Current == nil {
		t.Fatalf("conflict should carry the current row: %v", err)
	}
	if conflict.Current.State != alarms.StateCleared {
		t.Fatalf("current state = %q", conflict.Current.State)
	}
}

func TestEscalateRaisesLevelAndPublishes(t *testing.T) {
	store := newStubOccurrences()
	notifier := &recordingNotifier{}
	svc := newTestOccurrenceService(t, store, testRule(), "", notifier)
	ctx := context.Background()

	occurrence, err := svc.RecordTrigger(ctx, TriggerEvent{RuleID: "rule-1", Value: 85})
	if err != nil {
		t.Fatalf("record trigger: %v", err)
	}
	escalated, err := svc.Escalate(ctx, occurrence.ID)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if escalated.EscalationLevel != 1 {
		t.Fatalf("escalation level = %d", escalated.EscalationLevel)
	}
	if got := notifier.types(); len(got) != 2 || got[1] != EventEscalated {
		t.Fatalf("events = %v", got)
	}
}

func TestRenderMessageFallsBackOnBrokenTemplate(t *testing.T) {
	store := newStubOccurrences()
	svc := newTestOccurrenceService(t, store, testRule(), "{{.Broken", nil)

	occurrence, err := svc.RecordTrigger(context.Background(), TriggerEvent{RuleID: "rule-1", Value: 91})
	if err != nil {
		t.Fatalf("record trigger: %v", err)
	}
	if occurrence.Message != "High Temperature @ Boiler A: value 91" {
		t.Fatalf("fallback message = %q", occurrence.Message)
	}
}
