package http

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	alarmapp "alarm-center/internal/alarms/application"
)

// TriggerIngestHandler handles trigger events posted by the condition
// evaluator fleet. Requests carry an HMAC signature instead of a user token.
type TriggerIngestHandler struct {
	occurrences *alarmapp.OccurrenceService
	logger      *log.Logger
}

// NewTriggerIngestHandler constructs a trigger ingest handler.
func NewTriggerIngestHandler(occurrences *alarmapp.OccurrenceService, logger *log.Logger) (*TriggerIngestHandler, error) {
	if occurrences == nil {
		return nil, errors.New("trigger ingest: nil occurrence service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TriggerIngestHandler{occurrences: occurrences, logger: logger}, nil
}

// ServeHTTP ingests one or more trigger events.
func (h *TriggerIngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Printf("trigger ingest: read body error: %v", err)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req triggerIngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Printf("trigger ingest: decode error: %v", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	events, err := req.toEvents()
	if err != nil {
		h.logger.Printf("trigger ingest: invalid payload: %v", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	resp := triggerIngestResponse{}
	for _, event := range events {
		occurrence, err := h.occurrences.RecordTrigger(r.Context(), event)
		switch {
		case err != nil:
			h.logger.Printf("trigger ingest: rule %s: %v", event.RuleID, err)
			resp.Errors++
		case occurrence == nil:
			resp.Ignored++
		case occurrence.OccurrenceCount > 1:
			resp.Deduplicated++
		default:
			resp.Created++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type triggerIngestRequest struct {
	RuleID string              `json:"ruleId"`
	Value  float64             `json:"value"`
	TS     int64               `json:"ts"`
	Events []triggerIngestItem `json:"events"`
}

type triggerIngestItem struct {
	RuleID string  `json:"ruleId"`
	Value  float64 `json:"value"`
	TS     int64   `json:"ts"`
}

type triggerIngestResponse struct {
	Created      int `json:"created"`
	Deduplicated int `json:"deduplicated"`
	Ignored      int `json:"ignored"`
	Errors       int `json:"errors"`
}

func (r triggerIngestRequest) toEvents() ([]alarmapp.TriggerEvent, error) {
	items := r.Events
	if len(items) == 0 && r.RuleID != "" {
		items = []triggerIngestItem{{RuleID: r.RuleID, Value: r.Value, TS: r.TS}}
	}
	if len(items) == 0 {
		return nil, errors.New("no trigger events")
	}

	events := make([]alarmapp.TriggerEvent, 0, len(items))
	for _, item := range items {
		if item.RuleID == "" {
			return nil, errors.New("missing ruleId")
		}
		at, err := parseTimestamp(item.TS)
		if err != nil {
			return nil, err
		}
		events = append(events, alarmapp.TriggerEvent{
			RuleID: item.RuleID,
			Value:  item.Value,
			At:     at,
		})
	}
	return events, nil
}

func parseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, errors.New("invalid ts")
	}
	// Accept milliseconds or seconds.
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}
