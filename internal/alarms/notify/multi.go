package notify

import (
	"context"
	"sync"

	alarmapp "alarm-center/internal/alarms/application"
)

// MultiNotifier dispatches occurrence events to multiple notifiers.
type MultiNotifier struct {
	mu        sync.RWMutex
	notifiers []alarmapp.OccurrenceNotifier
}

// NewMultiNotifier constructs a MultiNotifier.
func NewMultiNotifier(notifiers ...alarmapp.OccurrenceNotifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Add attaches another notifier. Used to wire notifiers that themselves
// depend on the event publisher.
func (m *MultiNotifier) Add(notifier alarmapp.OccurrenceNotifier) {
	if m == nil || notifier == nil {
		return
	}
	m.mu.Lock()
	m.notifiers = append(m.notifiers, notifier)
	m.mu.Unlock()
}

// Notify forwards events to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, event alarmapp.OccurrenceEvent) {
	if m == nil {
		return
	}
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()
	for _, notifier := range notifiers {
		if notifier != nil {
			notifier.Notify(ctx, event)
		}
	}
}
