package session

import (
	"testing"
	"time"

	alarms "alarm-center/internal/alarms/domain"
)

func TestComputeStats(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	fresh := activeOccurrence("occ-1", "rule-1")
	fresh.Severity = alarms.SeverityCritical
	fresh.TriggeredAt = now.Add(-time.Minute)

	stale := activeOccurrence("occ-2", "rule-2")
	stale.Severity = alarms.SeverityLow
	stale.TriggeredAt = now.Add(-time.Hour)

	acked := activeOccurrence("occ-3", "rule-3")
	acked.State = alarms.StateAcknowledged
	acked.Severity = alarms.SeverityCritical
	acked.TriggeredAt = now.Add(-2 * time.Minute)

	cleared := activeOccurrence("occ-4", "rule-4")
	cleared.State = alarms.StateCleared
	cleared.TriggeredAt = now.Add(-time.Minute)

	snapshot := map[string]alarms.AlarmOccurrence{
		fresh.ID:   fresh,
		stale.ID:   stale,
		acked.ID:   acked,
		cleared.ID: cleared,
	}

	stats := ComputeStats(snapshot, now, 5*time.Minute)
	if stats.Total != 4 {
		t.Fatalf("total = %d, want 4", stats.Total)
	}
	if stats.ByState[alarms.StateActive] != 2 || stats.ByState[alarms.StateAcknowledged] != 1 || stats.ByState[alarms.StateCleared] != 1 {
		t.Fatalf("state counts wrong: %+v", stats.ByState)
	}
	if stats.BySeverity[alarms.SeverityCritical] != 2 || stats.BySeverity[alarms.SeverityLow] != 1 {
		t.Fatalf("severity counts wrong: %+v", stats.BySeverity)
	}
	if stats.BySeverity[alarms.SeverityHigh] != 0 {
		t.Fatalf("cleared occurrence counted by severity: %+v", stats.BySeverity)
	}
	if stats.New != 2 {
		t.Fatalf("new = %d, want 2 (fresh active + fresh acknowledged)", stats.New)
	}
}

func TestComputeStatsEmptySnapshot(t *testing.T) {
	stats := ComputeStats(nil, time.Now().UTC(), 0)
	if stats.Total != 0 || stats.New != 0 {
		t.Fatalf("empty snapshot should produce zero counts: %+v", stats)
	}
}
