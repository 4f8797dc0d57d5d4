package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/google/uuid"

	alarms "alarm-center/internal/alarms/domain"
	"alarm-center/internal/auth"
	"alarm-center/internal/observability/metrics"
)

// HistoryFilter narrows occurrence history queries.
type HistoryFilter struct {
	From     time.Time
	To       time.Time
	States   []alarms.OccurrenceState
	Severity alarms.Severity
	RuleID   string
	Limit    int
	Offset   int
}

// OccurrenceStore persists alarm occurrences. MarkAcknowledged and MarkCleared
// are conditional updates: when another actor already moved the occurrence the
// store returns a StateConflictError carrying its current row.
type OccurrenceStore interface {
	Create(ctx context.Context, occurrence *alarms.AlarmOccurrence) error
	GetByID(ctx context.Context, tenantID, id string) (*alarms.AlarmOccurrence, error)
	FindOpenByRule(ctx context.Context, tenantID, ruleID string) (*alarms.AlarmOccurrence, error)
	IncrementOccurrence(ctx context.Context, tenantID, id string, value float64, at time.Time) (*alarms.AlarmOccurrence, error)
	MarkAcknowledged(ctx context.Context, tenantID, id string, meta alarms.TransitionMeta) (*alarms.AlarmOccurrence, error)
	MarkCleared(ctx context.Context, tenantID, id string, meta alarms.TransitionMeta) (*alarms.AlarmOccurrence, error)
	IncrementEscalation(ctx context.Context, tenantID, id string) (*alarms.AlarmOccurrence, error)
	MarkNotified(ctx context.Context, tenantID, id string, at time.Time) error
	ListActive(ctx context.Context, tenantID string) ([]alarms.AlarmOccurrence, error)
	ListHistory(ctx context.Context, tenantID string, filter HistoryFilter) ([]alarms.AlarmOccurrence, error)
}

// RuleReader resolves rules for incoming trigger events.
type RuleReader interface {
	GetByID(ctx context.Context, tenantID, id string) (*alarms.AlarmRule, error)
}

// TriggerEvent is a rule firing reported by the condition evaluator.
type TriggerEvent struct {
	RuleID string    `json:"rule_id"`
	Value  float64   `json:"value"`
	At     time.Time `json:"at"`
}

// OccurrenceService owns the occurrence lifecycle: trigger dedup, message
// rendering, transitions and history.
type OccurrenceService struct {
	occurrences OccurrenceStore
	rules       RuleReader
	templates   TemplateStore
	notifier    OccurrenceNotifier
	tenantID    string
	clock       Clock
	newID       func() string
}

// OccurrenceOption customizes the occurrence service.
type OccurrenceOption func(*OccurrenceService)

// WithOccurrenceClock overrides the default clock.
func WithOccurrenceClock(clock Clock) OccurrenceOption {
	return func(s *OccurrenceService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithOccurrenceIDFactory overrides occurrence id generation.
func WithOccurrenceIDFactory(factory func() string) OccurrenceOption {
	return func(s *OccurrenceService) {
		if factory != nil {
			s.newID = factory
		}
	}
}

// WithNotifier attaches a lifecycle event notifier.
func WithNotifier(notifier OccurrenceNotifier) OccurrenceOption {
	return func(s *OccurrenceService) {
		s.notifier = notifier
	}
}

// NewOccurrenceService constructs an occurrence service.
func NewOccurrenceService(occurrences OccurrenceStore, rules RuleReader, templates TemplateStore, tenantID string, opts ...OccurrenceOption) (*OccurrenceService, error) {
	if occurrences == nil {
		return nil, errors.New("alarms occurrences: nil store")
	}
	if rules == nil {
		return nil, errors.New("alarms occurrences: nil rule reader")
	}
	if templates == nil {
		return nil, errors.New("alarms occurrences: nil template store")
	}
	if tenantID == "" {
		return nil, errors.New("alarms occurrences: empty tenant id")
	}
	s := &OccurrenceService{
		occurrences: occurrences,
		rules:       rules,
		templates:   templates,
		tenantID:    tenantID,
		clock:       systemClock{},
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RecordTrigger handles a rule firing. While an open occurrence exists for the
// rule the event folds into it as an increased occurrence count; only after
// clearing does the next trigger start a fresh occurrence. Triggers for
// disabled rules are dropped.
func (s *OccurrenceService) RecordTrigger(ctx context.Context, event TriggerEvent) (*alarms.AlarmOccurrence, error) {
	if s == nil {
		return nil, errors.New("alarms occurrences: nil service")
	}
	if event.RuleID == "" {
		return nil, errors.New("alarms occurrences: trigger without rule id")
	}
	at := event.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	at = at.UTC()

	rule, err := s.rules.GetByID(ctx, s.tenantID, event.RuleID)
	if err != nil {
		metrics.IncTrigger("error")
		return nil, err
	}
	if rule == nil {
		metrics.IncTrigger("error")
		return nil, alarms.ErrNotFound
	}
	if !rule.Enabled {
		metrics.IncTrigger("ignored")
		return nil, nil
	}

	open, err := s.occurrences.FindOpenByRule(ctx, s.tenantID, rule.ID)
	if err != nil {
		metrics.IncTrigger("error")
		return nil, err
	}
	if open != nil {
		updated, err := s.occurrences.IncrementOccurrence(ctx, s.tenantID, open.ID, event.Value, at)
		if err != nil {
			metrics.IncTrigger("error")
			return nil, err
		}
		metrics.IncTrigger("deduplicated")
		s.publish(ctx, EventRetriggered, updated)
		return updated, nil
	}

	occurrence := &alarms.AlarmOccurrence{
		ID:              s.newID(),
		TenantID:        s.tenantID,
		RuleID:          rule.ID,
		Severity:        rule.Severity,
		Message:         s.renderMessage(ctx, *rule, event.Value, at),
		TriggeredValue:  event.Value,
		TriggeredAt:     at,
		State:           alarms.StateActive,
		OccurrenceCount: 1,
		UpdatedAt:       at,
	}
	if err := s.occurrences.Create(ctx, occurrence); err != nil {
		metrics.IncTrigger("error")
		return nil, err
	}
	metrics.IncTrigger("created")
	s.publish(ctx, EventTriggered, occurrence)
	return occurrence, nil
}

// Acknowledge marks an occurrence as seen by the calling operator. The
// backing store arbitrates races: a conflict surfaces with the current row.
func (s *OccurrenceService) Acknowledge(ctx context.Context, id, comment string) (*alarms.AlarmOccurrence, error) {
	return s.transition(ctx, id, alarms.StateAcknowledged, comment)
}

// Clear resolves an occurrence. Cleared is terminal.
func (s *OccurrenceService) Clear(ctx context.Context, id, comment string) (*alarms.AlarmOccurrence, error) {
	return s.transition(ctx, id, alarms.StateCleared, comment)
}

func (s *OccurrenceService) transition(ctx context.Context, id string, to alarms.OccurrenceState, comment string) (*alarms.AlarmOccurrence, error) {
	if s == nil {
		return nil, errors.New("alarms occurrences: nil service")
	}
	if id == "" {
		return nil, alarms.ErrNotFound
	}
	action := "acknowledge"
	if to == alarms.StateCleared {
		action = "clear"
	}
	meta := alarms.TransitionMeta{
		Actor:   actor(ctx),
		Comment: comment,
		At:      s.clock.Now(),
	}

	var (
		updated *alarms.AlarmOccurrence
		err     error
	)
	switch to {
	case alarms.StateAcknowledged:
		updated, err = s.occurrences.MarkAcknowledged(ctx, s.tenantID, id, meta)
	case alarms.StateCleared:
		updated, err = s.occurrences.MarkCleared(ctx, s.tenantID, id, meta)
	default:
		return nil, alarms.ErrInvalidStateTransition
	}
	if err != nil {
		if errors.Is(err, alarms.ErrStateConflict) {
			metrics.IncTransition(action, "conflict")
		} else {
			metrics.IncTransition(action, "error")
		}
		return nil, err
	}
	if updated == nil {
		metrics.IncTransition(action, "error")
		return nil, alarms.ErrNotFound
	}
	metrics.IncTransition(action, "success")
	switch to {
	case alarms.StateAcknowledged:
		s.publish(ctx, EventAcknowledged, updated)
	case alarms.StateCleared:
		s.publish(ctx, EventCleared, updated)
	}
	return updated, nil
}

// Escalate raises the escalation level of an occurrence that stayed
// unacknowledged past its deadline.
func (s *OccurrenceService) Escalate(ctx context.Context, id string) (*alarms.AlarmOccurrence, error) {
	if s == nil {
		return nil, errors.New("alarms occurrences: nil service")
	}
	updated, err := s.occurrences.IncrementEscalation(ctx, s.tenantID, id)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, alarms.ErrNotFound
	}
	metrics.IncEscalation()
	s.publish(ctx, EventEscalated, updated)
	return updated, nil
}

// RecordNotified bumps the notification bookkeeping after a delivery.
func (s *OccurrenceService) RecordNotified(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("alarms occurrences: nil service")
	}
	return s.occurrences.MarkNotified(ctx, s.tenantID, id, s.clock.Now())
}

// Get loads one occurrence.
func (s *OccurrenceService) Get(ctx context.Context, id string) (*alarms.AlarmOccurrence, error) {
	if s == nil {
		return nil, errors.New("alarms occurrences: nil service")
	}
	occurrence, err := s.occurrences.GetByID(ctx, s.tenantID, id)
	if err != nil {
		return nil, err
	}
	if occurrence == nil {
		return nil, alarms.ErrNotFound
	}
	return occurrence, nil
}

// ListActive returns open occurrences for the tenant.
func (s *OccurrenceService) ListActive(ctx context.Context) ([]alarms.AlarmOccurrence, error) {
	if s == nil {
		return nil, errors.New("alarms occurrences: nil service")
	}
	return s.occurrences.ListActive(ctx, s.tenantID)
}

// ListHistory returns occurrences matching the filter, newest first.
func (s *OccurrenceService) ListHistory(ctx context.Context, filter HistoryFilter) ([]alarms.AlarmOccurrence, error) {
	if s == nil {
		return nil, errors.New("alarms occurrences: nil service")
	}
	return s.occurrences.ListHistory(ctx, s.tenantID, filter)
}

func (s *OccurrenceService) publish(ctx context.Context, eventType string, occurrence *alarms.AlarmOccurrence) {
	if s.notifier == nil || occurrence == nil {
		return
	}
	s.notifier.Notify(ctx, OccurrenceEvent{Type: eventType, Occurrence: *occurrence})
}

// messageData is the variable set exposed to message templates.
type messageData struct {
	RuleName    string
	TargetID    string
	Value       float64
	Severity    string
	TriggeredAt string
}

// renderMessage expands the template's message text for a new occurrence. A
// missing or broken template falls back to a plain summary so triggers are
// never lost to formatting problems.
func (s *OccurrenceService) renderMessage(ctx context.Context, rule alarms.AlarmRule, value float64, at time.Time) string {
	fallback := fmt.Sprintf("%s: value %g", rule.Name, value)

	tpl, err := s.templates.GetByID(ctx, s.tenantID, rule.TemplateID)
	if err != nil || tpl == nil || tpl.MessageTemplate == "" {
		return fallback
	}
	parsed, err := template.New("message").Parse(tpl.MessageTemplate)
	if err != nil {
		return fallback
	}
	var buf bytes.Buffer
	data := messageData{
		RuleName:    rule.Name,
		TargetID:    rule.TargetID,
		Value:       value,
		Severity:    string(rule.Severity),
		TriggeredAt: at.Format(time.RFC3339),
	}
	if err := parsed.Execute(&buf, data); err != nil {
		return fallback
	}
	return buf.String()
}

func actor(ctx context.Context) string {
	if subject := auth.SubjectFromContext(ctx); subject != "" {
		return subject
	}
	return "system"
}
