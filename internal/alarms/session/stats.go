package session

import (
	"time"

	alarms "alarm-center/internal/alarms/domain"
)

// DefaultRecencyWindow bounds the "new" count used for UI emphasis.
const DefaultRecencyWindow = 5 * time.Minute

// Stats are aggregate counts derived from the current store snapshot.
type Stats struct {
	Total      int                            `json:"total"`
	BySeverity map[alarms.Severity]int        `json:"by_severity"`
	ByState    map[alarms.OccurrenceState]int `json:"by_state"`
	New        int                            `json:"new"`
	ComputedAt time.Time                      `json:"computed_at"`
}

// ComputeStats recomputes aggregate statistics from a snapshot. It is a pure
// function of the snapshot and safe to call on every store mutation. Severity
// and recency counts cover open occurrences only; cleared entries retained
// for history appear in the state counts alone.
func ComputeStats(snapshot map[string]alarms.AlarmOccurrence, now time.Time, recency time.Duration) Stats {
	if recency <= 0 {
		recency = DefaultRecencyWindow
	}
	stats := Stats{
		BySeverity: map[alarms.Severity]int{},
		ByState:    map[alarms.OccurrenceState]int{},
		ComputedAt: now,
	}
	cutoff := now.Add(-recency)
	for _, occ := range snapshot {
		stats.Total++
		stats.ByState[occ.State]++
		if !occ.Open() {
			continue
		}
		stats.BySeverity[occ.Severity]++
		if occ.TriggeredAt.After(cutoff) {
			stats.New++
		}
	}
	return stats
}
