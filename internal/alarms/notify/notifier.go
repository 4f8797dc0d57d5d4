package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	alarmapp "alarm-center/internal/alarms/application"
	alarms "alarm-center/internal/alarms/domain"
	"alarm-center/internal/observability/metrics"
)

// RuleReader loads alarm rules.
type RuleReader interface {
	GetByID(ctx context.Context, tenantID, ruleID string) (*alarms.AlarmRule, error)
}

// OccurrenceReader loads occurrence records for escalation checks.
type OccurrenceReader interface {
	Get(ctx context.Context, id string) (*alarms.AlarmOccurrence, error)
}

// Escalator raises the escalation level of an overdue occurrence.
type Escalator interface {
	Escalate(ctx context.Context, id string) (*alarms.AlarmOccurrence, error)
}

// DeliveryRecorder records a delivered notification on the occurrence.
type DeliveryRecorder interface {
	RecordNotified(ctx context.Context, id string) error
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier sends occurrence notifications via a channel and escalates
// occurrences that stay unacknowledged past the escalation delay.
type Notifier struct {
	rules          RuleReader
	occurrences    OccurrenceReader
	escalator      Escalator
	recorder       DeliveryRecorder
	channel        Channel
	channelName    string
	template       *Template
	escalation     time.Duration
	clock          Clock
	mu             sync.Mutex
	timers         map[string]*time.Timer
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation configures escalation delay.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout overrides the default timeout for escalation checks.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same
// occurrence and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithEscalator wires the component that raises escalation levels.
func WithEscalator(escalator Escalator) Option {
	return func(n *Notifier) {
		n.escalator = escalator
	}
}

// WithDeliveryRecorder wires notification bookkeeping.
func WithDeliveryRecorder(recorder DeliveryRecorder) Option {
	return func(n *Notifier) {
		n.recorder = recorder
	}
}

// WithChannelName labels metrics for this channel.
func WithChannelName(name string) Option {
	return func(n *Notifier) {
		if name != "" {
			n.channelName = name
		}
	}
}

// NewNotifier constructs an occurrence notifier.
func NewNotifier(rules RuleReader, occurrences OccurrenceReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if rules == nil {
		return nil, errors.New("alarm notifier: nil rule reader")
	}
	if occurrences == nil {
		return nil, errors.New("alarm notifier: nil occurrence reader")
	}
	if channel == nil {
		return nil, errors.New("alarm notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		rules:          rules,
		occurrences:    occurrences,
		channel:        channel,
		channelName:    "webhook",
		template:       template,
		escalation:     0,
		clock:          systemClock{},
		timers:         make(map[string]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements application.OccurrenceNotifier.
func (n *Notifier) Notify(ctx context.Context, event alarmapp.OccurrenceEvent) {
	if n == nil || n.channel == nil {
		return
	}
	rule := n.lookupRule(ctx, event.Occurrence)
	n.dispatch(ctx, event.Type, event.Occurrence, rule)

	switch event.Type {
	case alarmapp.EventTriggered:
		n.scheduleEscalation(event.Occurrence, rule)
	case alarmapp.EventAcknowledged, alarmapp.EventCleared:
		n.cancelEscalation(event.Occurrence.ID)
	}
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) lookupRule(ctx context.Context, occurrence alarms.AlarmOccurrence) *alarms.AlarmRule {
	if n.rules == nil {
		return nil
	}
	rule, err := n.rules.GetByID(ctx, occurrence.TenantID, occurrence.RuleID)
	if err != nil {
		return nil
	}
	return rule
}

func (n *Notifier) dispatch(ctx context.Context, eventType string, occurrence alarms.AlarmOccurrence, rule *alarms.AlarmRule) {
	data := buildTemplateData(eventType, occurrence, rule)
	content, err := n.template.Render(data)
	if err != nil {
		return
	}
	if !n.shouldSend(occurrence.ID, eventType, content) {
		return
	}
	if err := n.channel.Send(ctx, content); err != nil {
		metrics.IncNotification(n.channelName, "error")
		return
	}
	metrics.IncNotification(n.channelName, "success")
	n.markSent(occurrence.ID, eventType, content)
	if n.recorder != nil {
		_ = n.recorder.RecordNotified(ctx, occurrence.ID)
	}
}

// scheduleEscalation arms a timer for high and critical occurrences. The
// timer is disarmed when the occurrence is acknowledged or cleared.
func (n *Notifier) scheduleEscalation(occurrence alarms.AlarmOccurrence, rule *alarms.AlarmRule) {
	if n == nil || n.escalation <= 0 || occurrence.ID == "" {
		return
	}
	severity := occurrence.Severity
	if rule != nil && rule.Severity != "" {
		severity = rule.Severity
	}
	if !severityAtLeast(severity, alarms.SeverityHigh) {
		return
	}
	n.mu.Lock()
	if existing, ok := n.timers[occurrence.ID]; ok {
		if existing != nil {
			existing.Stop()
		}
	}
	timer := time.AfterFunc(n.escalation, func() {
		n.runEscalation(occurrence.ID)
	})
	n.timers[occurrence.ID] = timer
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(occurrenceID string) {
	if n == nil || occurrenceID == "" {
		return
	}
	n.mu.Lock()
	timer := n.timers[occurrenceID]
	delete(n.timers, occurrenceID)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(occurrenceID string) {
	if n == nil || occurrenceID == "" {
		return
	}
	n.mu.Lock()
	delete(n.timers, occurrenceID)
	n.mu.Unlock()

	ctx := context.Background()
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	occurrence, err := n.occurrences.Get(ctx, occurrenceID)
	if err != nil || occurrence == nil {
		return
	}
	// Only a still-unseen occurrence escalates.
	if occurrence.State != alarms.StateActive {
		return
	}

	if n.escalator != nil {
		// The escalator publishes the escalated event back through Notify,
		// which dispatches the notification.
		_, _ = n.escalator.Escalate(ctx, occurrenceID)
		return
	}
	rule := n.lookupRule(ctx, *occurrence)
	n.dispatch(ctx, alarmapp.EventEscalated, *occurrence, rule)
}

func buildTemplateData(eventType string, occurrence alarms.AlarmOccurrence, rule *alarms.AlarmRule) TemplateData {
	ruleName := occurrence.RuleID
	target := ""
	severity := occurrence.Severity
	if rule != nil {
		if rule.Name != "" {
			ruleName = rule.Name
		}
		target = rule.TargetID
		if rule.Severity != "" && severity == "" {
			severity = rule.Severity
		}
	}
	return TemplateData{
		Rule:         ruleName,
		RuleID:       occurrence.RuleID,
		Target:       target,
		Message:      occurrence.Message,
		TriggerValue: formatFloat(occurrence.TriggeredValue),
		TriggeredAt:  occurrence.TriggeredAt.UTC().Format(time.RFC3339),
		State:        string(occurrence.State),
		Severity:     string(severity),
		Count:        occurrence.OccurrenceCount,
		Escalation:   occurrence.EscalationLevel,
		Suggestion:   suggestionFor(severity),
		Event:        eventType,
		EventLabel:   eventLabel(eventType),
	}
}

func eventLabel(event string) string {
	switch event {
	case alarmapp.EventTriggered:
		return "Triggered"
	case alarmapp.EventRetriggered:
		return "Re-triggered"
	case alarmapp.EventAcknowledged:
		return "Acknowledged"
	case alarmapp.EventCleared:
		return "Cleared"
	case alarmapp.EventEscalated:
		return "Escalated"
	default:
		return event
	}
}

func suggestionFor(severity alarms.Severity) string {
	switch severity {
	case alarms.SeverityCritical, alarms.SeverityHigh:
		return "Investigate immediately and mitigate risk."
	case alarms.SeverityMedium:
		return "Verify the condition and take action if needed."
	default:
		return "Monitor the alarm condition."
	}
}

func severityAtLeast(value, target alarms.Severity) bool {
	return severityRank(value) >= severityRank(target)
}

func severityRank(value alarms.Severity) int {
	switch value {
	case alarms.SeverityCritical:
		return 4
	case alarms.SeverityHigh:
		return 3
	case alarms.SeverityMedium:
		return 2
	case alarms.SeverityLow:
		return 1
	default:
		return 0
	}
}

func formatFloat(value float64) string {
	return fmt.Sprintf("%.2f", value)
}

func (n *Notifier) shouldSend(occurrenceID, eventType, content string) bool {
	if n == nil {
		return false
	}
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(occurrenceID, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(occurrenceID, eventType, content string) {
	if n == nil {
		return
	}
	key := notificationKey(occurrenceID, eventType)
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func notificationKey(occurrenceID, eventType string) string {
	return occurrenceID + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
