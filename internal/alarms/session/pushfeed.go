package session

import (
	"context"

	alarmapp "alarm-center/internal/alarms/application"
	alarms "alarm-center/internal/alarms/domain"
)

// PushFeed bridges occurrence lifecycle events into the reconciler's push
// channel. Delivery is best effort: when the buffer is full the event is
// dropped and the next pull cycle repairs the view.
type PushFeed struct {
	events chan alarms.AlarmOccurrence
}

// NewPushFeed constructs a push feed with the given buffer size.
func NewPushFeed(buffer int) *PushFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &PushFeed{events: make(chan alarms.AlarmOccurrence, buffer)}
}

// Notify implements application.OccurrenceNotifier.
func (f *PushFeed) Notify(_ context.Context, event alarmapp.OccurrenceEvent) {
	if f == nil || event.Occurrence.ID == "" {
		return
	}
	select {
	case f.events <- event.Occurrence:
	default:
	}
}

// Events implements PushSource.
func (f *PushFeed) Events() <-chan alarms.AlarmOccurrence {
	if f == nil {
		return nil
	}
	return f.events
}
