package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	alarmapp "alarm-center/internal/alarms/application"
	alarms "alarm-center/internal/alarms/domain"
	"alarm-center/internal/alarms/session"
)

const timeLayout = time.RFC3339

// Handler provides template and occurrence HTTP endpoints.
type Handler struct {
	templates   *alarmapp.TemplateService
	apply       *alarmapp.ApplyService
	rules       *alarmapp.RuleService
	occurrences *alarmapp.OccurrenceService
	coordinator *session.Coordinator
	store       *session.Store
}

// NewHandler constructs a handler.
func NewHandler(templates *alarmapp.TemplateService, apply *alarmapp.ApplyService, rules *alarmapp.RuleService, occurrences *alarmapp.OccurrenceService, coordinator *session.Coordinator, store *session.Store) (*Handler, error) {
	if templates == nil || apply == nil || rules == nil || occurrences == nil {
		return nil, errors.New("alarms handler: nil service")
	}
	if coordinator == nil || store == nil {
		return nil, errors.New("alarms handler: nil session")
	}
	return &Handler{
		templates:   templates,
		apply:       apply,
		rules:       rules,
		occurrences: occurrences,
		coordinator: coordinator,
		store:       store,
	}, nil
}

// ServeHTTP handles /api/v1/templates, /api/v1/occurrences and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/templates":
		h.handleTemplates(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/templates/"):
		h.handleTemplateByID(w, r)
	case r.URL.Path == "/api/v1/occurrences":
		h.handleListActive(w, r)
	case r.URL.Path == "/api/v1/occurrences/history":
		h.handleHistory(w, r)
	case r.URL.Path == "/api/v1/occurrences/stats":
		h.handleStats(w, r)
	case r.URL.Path == "/api/v1/occurrences/acknowledge":
		h.handleBulkAcknowledge(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/occurrences/"):
		h.handleOccurrenceAction(w, r)
	case r.URL.Path == "/api/v1/rules":
		h.handleListRules(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/rules/"):
		h.handleRuleByID(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTemplates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		onlyActive := r.URL.Query().Get("active") == "true"
		list, err := h.templates.List(r.Context(), onlyActive)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var template alarms.AlarmTemplate
		if err := json.NewDecoder(r.Body).Decode(&template); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		created, err := h.templates.Create(r.Context(), template)
		if err != nil {
			respondTemplateError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleTemplateByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/templates/")
	parts := strings.Split(path, "/")

	// POST /api/v1/templates/{id}/apply
	if len(parts) == 2 && parts[1] == "apply" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleApply(w, r, parts[0])
		return
	}
	if len(parts) != 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]

	switch r.Method {
	case http.MethodGet:
		template, err := h.templates.Get(r.Context(), id)
		if err != nil {
			respondTemplateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, template)
	case http.MethodPut:
		var template alarms.AlarmTemplate
		if err := json.NewDecoder(r.Body).Decode(&template); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		template.ID = id
		updated, err := h.templates.Update(r.Context(), template)
		if err != nil {
			respondTemplateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := h.templates.Delete(r.Context(), id); err != nil {
			respondTemplateError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request, templateID string) {
	var req alarmapp.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.TemplateID = templateID
	if len(req.TargetIDs) == 0 {
		http.Error(w, "target_ids is required", http.StatusBadRequest)
		return
	}

	result, err := h.apply.Apply(r.Context(), req)
	if err != nil {
		respondTemplateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applyResponse{
		RuleGroupID:  result.RuleGroupID,
		Created:      result.Created,
		Failed:       result.Failed,
		CreatedCount: result.CreatedCount(),
		FailedCount:  result.FailedCount(),
	})
}

// applyResponse surfaces partial success explicitly as counts.
type applyResponse struct {
	RuleGroupID  string                   `json:"rule_group_id"`
	Created      []alarms.AlarmRule       `json:"created"`
	Failed       []alarmapp.TargetFailure `json:"failed"`
	CreatedCount int                      `json:"created_count"`
	FailedCount  int                      `json:"failed_count"`
}

func (h *Handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := h.occurrences.ListActive(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter, err := historyFilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := h.occurrences.ListHistory(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats := session.ComputeStats(h.store.Snapshot(), time.Now().UTC(), session.DefaultRecencyWindow)
	writeJSON(w, http.StatusOK, stats)
}

type bulkAcknowledgeRequest struct {
	IDs     []string `json:"ids"`
	Comment string   `json:"comment,omitempty"`
}

type bulkAcknowledgeResponse struct {
	Succeeded      []string                  `json:"succeeded"`
	Failed         []session.BulkItemFailure `json:"failed"`
	SucceededCount int                       `json:"succeeded_count"`
	FailedCount    int                       `json:"failed_count"`
}

func (h *Handler) handleBulkAcknowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req bulkAcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}

	result := h.coordinator.BulkAcknowledge(r.Context(), req.IDs, req.Comment)
	writeJSON(w, http.StatusOK, bulkAcknowledgeResponse{
		Succeeded:      result.Succeeded,
		Failed:         result.Failed,
		SucceededCount: result.SucceededCount(),
		FailedCount:    result.FailedCount(),
	})
}

type transitionRequest struct {
	Comment string `json:"comment,omitempty"`
}

func (h *Handler) handleOccurrenceAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/occurrences/")
	parts := strings.Split(path, "/")

	if len(parts) == 1 && parts[0] != "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		occurrence, err := h.occurrences.Get(r.Context(), parts[0])
		if err != nil {
			respondOccurrenceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, occurrence)
		return
	}
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := parts[0]
	action := parts[1]

	var req transitionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var (
		occurrence alarms.AlarmOccurrence
		err        error
	)
	switch action {
	case "acknowledge":
		occurrence, err = h.coordinator.Acknowledge(r.Context(), id, req.Comment)
	case "clear":
		occurrence, err = h.coordinator.Clear(r.Context(), id, req.Comment)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		respondOccurrenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, occurrence)
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	groupID := r.URL.Query().Get("group_id")
	targetID := r.URL.Query().Get("target_id")

	var (
		list []alarms.AlarmRule
		err  error
	)
	switch {
	case groupID != "":
		list, err = h.rules.ListByGroup(r.Context(), groupID)
	case targetID != "":
		list, err = h.rules.ListByTarget(r.Context(), targetID)
	default:
		http.Error(w, "group_id or target_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/rules/")
	parts := strings.Split(path, "/")

	// POST /api/v1/rules/{id}/enable and /disable
	if len(parts) == 2 && (parts[1] == "enable" || parts[1] == "disable") {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rule, err := h.rules.SetEnabled(r.Context(), parts[0], parts[1] == "enable")
		if err != nil {
			respondTemplateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
		return
	}
	if len(parts) != 1 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]

	switch r.Method {
	case http.MethodGet:
		rule, err := h.rules.Get(r.Context(), id)
		if err != nil {
			respondTemplateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodDelete:
		if err := h.rules.Delete(r.Context(), id); err != nil {
			respondTemplateError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func respondTemplateError(w http.ResponseWriter, err error) {
	var validation *alarms.ValidationError
	switch {
	case errors.Is(err, alarms.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, alarms.ErrSystemTemplate):
		http.Error(w, "system template is immutable", http.StatusConflict)
	case errors.Is(err, alarms.ErrTemplateInUse):
		http.Error(w, "template has rules", http.StatusConflict)
	case errors.Is(err, alarms.ErrTemplateInactive):
		http.Error(w, "template is not active", http.StatusConflict)
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":          "invalid condition config",
			"missing_fields": validation.Missing,
		})
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func respondOccurrenceError(w http.ResponseWriter, err error) {
	var conflict *alarms.StateConflictError
	switch {
	case errors.Is(err, alarms.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "concurrent state conflict",
			"current": conflict.Current,
		})
	case errors.Is(err, alarms.ErrInvalidStateTransition):
		http.Error(w, "invalid state transition", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func historyFilterFromQuery(r *http.Request) (alarmapp.HistoryFilter, error) {
	var filter alarmapp.HistoryFilter
	var err error
	if filter.From, err = parseOptionalTimeQuery(r, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseOptionalTimeQuery(r, "to"); err != nil {
		return filter, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return filter, errors.New("to must be after from")
	}
	if state := r.URL.Query().Get("state"); state != "" {
		parsed := alarms.OccurrenceState(state)
		if !parsed.Valid() {
			return filter, errors.New("unknown state")
		}
		filter.States = []alarms.OccurrenceState{parsed}
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		parsed := alarms.Severity(severity)
		if !parsed.Valid() {
			return filter, errors.New("unknown severity")
		}
		filter.Severity = parsed
	}
	filter.RuleID = r.URL.Query().Get("rule_id")
	if limit := r.URL.Query().Get("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = parsed
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		parsed, err := strconv.Atoi(offset)
		if err != nil || parsed < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = parsed
	}
	return filter, nil
}

func parseOptionalTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
