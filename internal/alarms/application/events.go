package application

import (
	"context"
	"time"

	alarms "alarm-center/internal/alarms/domain"
)

// Occurrence lifecycle event types published to notifiers.
const (
	EventTriggered    = "triggered"
	EventRetriggered  = "retriggered"
	EventAcknowledged = "acknowledged"
	EventCleared      = "cleared"
	EventEscalated    = "escalated"
)

// OccurrenceEvent represents a lifecycle update of one occurrence.
type OccurrenceEvent struct {
	Type       string                 `json:"type"`
	Occurrence alarms.AlarmOccurrence `json:"occurrence"`
}

// OccurrenceNotifier receives occurrence lifecycle events.
type OccurrenceNotifier interface {
	Notify(ctx context.Context, event OccurrenceEvent)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
