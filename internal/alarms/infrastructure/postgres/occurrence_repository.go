package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	alarms "alarm-center/internal/alarms/domain"
	"alarm-center/internal/alarms/application"
	"alarm-center/internal/audit"
	"alarm-center/internal/auth"
)

const defaultAlarmOccurrencesTable = "alarm_occurrences"

const occurrenceColumns = `id, tenant_id, rule_id, severity, message, triggered_value, triggered_at, state,
	acknowledged_at, acknowledged_by, acknowledgment_comment,
	cleared_at, cleared_by, clear_comment,
	occurrence_count, escalation_level, notification_count, notified_at, updated_at`

// AlarmOccurrenceRepository is a Postgres repository for alarm occurrences.
// Transitions are conditional updates guarded by the legal state table; a
// lost race comes back as a StateConflictError carrying the winning row.
type AlarmOccurrenceRepository struct {
	db    *sql.DB
	table string
}

// NewAlarmOccurrenceRepository constructs a repository.
func NewAlarmOccurrenceRepository(db *sql.DB) *AlarmOccurrenceRepository {
	return &AlarmOccurrenceRepository{db: db, table: defaultAlarmOccurrencesTable}
}

// Create inserts a new occurrence.
func (r *AlarmOccurrenceRepository) Create(ctx context.Context, occurrence *alarms.AlarmOccurrence) error {
	if r == nil || r.db == nil {
		return errors.New("alarm occurrence repo: nil db")
	}
	if occurrence == nil {
		return errors.New("alarm occurrence repo: nil occurrence")
	}
	if occurrence.ID == "" || occurrence.TenantID == "" || occurrence.RuleID == "" {
		return errors.New("alarm occurrence repo: missing fields")
	}
	if occurrence.TriggeredAt.IsZero() {
		occurrence.TriggeredAt = time.Now().UTC()
	}
	if occurrence.UpdatedAt.IsZero() {
		occurrence.UpdatedAt = occurrence.TriggeredAt
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alarm_occurrences (
	id, tenant_id, rule_id, severity, message, triggered_value, triggered_at, state,
	acknowledged_at, acknowledged_by, acknowledgment_comment,
	cleared_at, cleared_by, clear_comment,
	occurrence_count, escalation_level, notification_count, notified_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8,
	$9, $10, $11,
	$12, $13, $14,
	$15, $16, $17, $18, $19
)`,
		occurrence.ID,
		occurrence.TenantID,
		occurrence.RuleID,
		string(occurrence.Severity),
		occurrence.Message,
		occurrence.TriggeredValue,
		occurrence.TriggeredAt,
		string(occurrence.State),
		nullableTime(occurrence.AcknowledgedAt),
		nullableString(occurrence.AcknowledgedBy),
		nullableString(occurrence.AcknowledgmentComment),
		nullableTime(occurrence.ClearedAt),
		nullableString(occurrence.ClearedBy),
		nullableString(occurrence.ClearComment),
		occurrence.OccurrenceCount,
		occurrence.EscalationLevel,
		occurrence.NotificationCount,
		nullableTime(occurrence.NotifiedAt),
		occurrence.UpdatedAt,
	)
	return err
}

// GetByID fetches an occurrence by id.
func (r *AlarmOccurrenceRepository) GetByID(ctx context.Context, tenantID, id string) (*alarms.AlarmOccurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm occurrence repo: nil db")
	}
	if tenantID == "" || id == "" {
		return nil, errors.New("alarm occurrence repo: invalid query")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+occurrenceColumns+`
FROM alarm_occurrences
WHERE tenant_id = $1 AND id = $2
LIMIT 1`, tenantID, id)
	return scanOccurrence(row)
}

// FindOpenByRule returns the active or acknowledged occurrence for a rule.
func (r *AlarmOccurrenceRepository) FindOpenByRule(ctx context.Context, tenantID, ruleID string) (*alarms.AlarmOccurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm occurrence repo: nil db")
	}
	if tenantID == "" || ruleID == "" {
		return nil, errors.New("alarm occurrence repo: invalid query")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+occurrenceColumns+`
FROM alarm_occurrences
WHERE tenant_id = $1 AND rule_id = $2 AND state IN ('active', 'acknowledged')
ORDER BY triggered_at DESC
LIMIT 1`, tenantID, ruleID)
	return scanOccurrence(row)
}

// IncrementOccurrence folds a repeated trigger into an open occurrence.
func (r *AlarmOccurrenceRepository) IncrementOccurrence(ctx context.Context, tenantID, id string, value float64, at time.Time) (*alarms.AlarmOccurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm occurrence repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
UPDATE alarm_occurrences
SET occurrence_count = occurrence_count + 1, triggered_value = $1, updated_at = $2
WHERE tenant_id = $3 AND id = $4 AND state IN ('active', 'acknowledged')
RETURNING `+occurrenceColumns, value, at, tenantID, id)
	return scanOccurrence(row)
}

// MarkAcknowledged moves an active occurrence to acknowledged. The WHERE
// clause encodes the only legal source state; zero rows means another actor
// moved the occurrence first and the current row is surfaced as a conflict.
func (r *AlarmOccurrenceRepository) MarkAcknowledged(ctx context.Context, tenantID, id string, meta alarms.TransitionMeta) (*alarms.AlarmOccurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm occurrence repo: nil db")
	}
	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := r.db.QueryRowContext(ctx, `
UPDATE alarm_occurrences
SET state = 'acknowledged', acknowledged_at = $1, acknowledged_by = $2,
	acknowledgment_comment = $3, updated_at = $1
WHERE tenant_id = $4 AND id = $5 AND state = 'active'
RETURNING `+occurrenceColumns, at, meta.Actor, meta.Comment, tenantID, id)
	updated, err := scanOccurrence(row)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, r.transitionConflict(ctx, tenantID, id)
	}
	logOccurrenceAudit(ctx, r.db, updated, "alarm_occurrence.acknowledge")
	return updated, nil
}

// MarkCleared moves an open occurrence to cleared.
func (r *AlarmOccurrenceRepository) MarkCleared(ctx context.Context, tenantID, id string, meta alarms.TransitionMeta) (*alarms.AlarmOccurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm occurrence repo: nil db")
	}
	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := r.db.QueryRowContext(ctx, `
UPDATE alarm_occurrences
SET state = 'cleared', cleared_at = $1, cleared_by = $2,
	clear_comment = $3, updated_at = $1
WHERE tenant_id = $4 AND id = $5 AND state IN ('active', 'acknowledged')
RETURNING `+occurrenceColumns, at, meta.Actor, meta.Comment, tenantID, id)
	updated, err := scanOccurrence(row)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, r.transitionConflict(ctx, tenantID, id)
	}
	logOccurrenceAudit(ctx, r.db, updated, "alarm_occurrence.clear")
	return updated, nil
}

// IncrementEscalation raises the escalation level of an open occurrence.
func (r *AlarmOccurrenceRepository) IncrementEscalation(ctx context.Context, tenantID, id string) (*alarms.AlarmOccurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm occurrence repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
UPDATE alarm_occurrences
SET escalation_level = escalation_level + 1, updated_at = $1
WHERE tenant_id = $2 AND id = $3 AND state IN ('active', 'acknowledged')
RETURNING `+occurrenceColumns, time.Now().UTC(), tenantID, id)
	return scanOccurrence(row)
}

// MarkNotified records a delivered notification.
func (r *AlarmOccurrenceRepository) MarkNotified(ctx context.Context, tenantID, id string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alarm occurrence repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE alarm_occurrences
SET notification_count = notification_count + 1, notified_at = $1, updated_at = $1
WHERE tenant_id = $2 AND id = $3`, at, tenantID, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return alarms.ErrNotFound
	}
	return nil
}

// ListActive returns open occurrences for a tenant, newest first.
func (r *AlarmOccurrenceRepository) ListActive(ctx context.Context, tenantID string) ([]alarms.AlarmOccurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm occurrence repo: nil db")
	}
	if tenantID == "" {
		return nil, errors.New("alarm occurrence repo: invalid query")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+occurrenceColumns+`
FROM alarm_occurrences
WHERE tenant_id = $1 AND state IN ('active', 'acknowledged')
ORDER BY triggered_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOccurrences(rows)
}

// ListHistory returns occurrences matching the filter, newest first.
func (r *AlarmOccurrenceRepository) ListHistory(ctx context.Context, tenantID string, filter application.HistoryFilter) ([]alarms.AlarmOccurrence, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm occurrence repo: nil db")
	}
	if tenantID == "" {
		return nil, errors.New("alarm occurrence repo: invalid query")
	}
	query := `
SELECT ` + occurrenceColumns + `
FROM alarm_occurrences
WHERE tenant_id = $1`
	args := []any{tenantID}

	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += " AND triggered_at >= $" + strconv.Itoa(len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += " AND triggered_at < $" + strconv.Itoa(len(args))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, 0, len(filter.States))
		for _, state := range filter.States {
			args = append(args, string(state))
			placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
		}
		query += " AND state IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		query += " AND severity = $" + strconv.Itoa(len(args))
	}
	if filter.RuleID != "" {
		args = append(args, filter.RuleID)
		query += " AND rule_id = $" + strconv.Itoa(len(args))
	}
	query += " ORDER BY triggered_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOccurrences(rows)
}

// transitionConflict distinguishes a missing row from a lost transition race.
func (r *AlarmOccurrenceRepository) transitionConflict(ctx context.Context, tenantID, id string) error {
	current, err := r.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if current == nil {
		return alarms.ErrNotFound
	}
	return &alarms.StateConflictError{Current: current}
}

type occurrenceScanner interface {
	Scan(dest ...any) error
}

func scanOccurrence(row occurrenceScanner) (*alarms.AlarmOccurrence, error) {
	var occurrence alarms.AlarmOccurrence
	var severity, state string
	var acknowledgedAt, clearedAt, notifiedAt sql.NullTime
	var acknowledgedBy, ackComment, clearedBy, clearComment sql.NullString
	if err := row.Scan(
		&occurrence.ID,
		&occurrence.TenantID,
		&occurrence.RuleID,
		&severity,
		&occurrence.Message,
		&occurrence.TriggeredValue,
		&occurrence.TriggeredAt,
		&state,
		&acknowledgedAt,
		&acknowledgedBy,
		&ackComment,
		&clearedAt,
		&clearedBy,
		&clearComment,
		&occurrence.OccurrenceCount,
		&occurrence.EscalationLevel,
		&occurrence.NotificationCount,
		&notifiedAt,
		&occurrence.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	occurrence.Severity = alarms.Severity(severity)
	occurrence.State = alarms.OccurrenceState(state)
	occurrence.TriggeredAt = occurrence.TriggeredAt.UTC()
	occurrence.UpdatedAt = occurrence.UpdatedAt.UTC()
	if acknowledgedAt.Valid {
		occurrence.AcknowledgedAt = acknowledgedAt.Time.UTC()
	}
	occurrence.AcknowledgedBy = acknowledgedBy.String
	occurrence.AcknowledgmentComment = ackComment.String
	if clearedAt.Valid {
		occurrence.ClearedAt = clearedAt.Time.UTC()
	}
	occurrence.ClearedBy = clearedBy.String
	occurrence.ClearComment = clearComment.String
	if notifiedAt.Valid {
		occurrence.NotifiedAt = notifiedAt.Time.UTC()
	}
	return &occurrence, nil
}

func collectOccurrences(rows *sql.Rows) ([]alarms.AlarmOccurrence, error) {
	var result []alarms.AlarmOccurrence
	for rows.Next() {
		occurrence, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *occurrence)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullableTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}

func logOccurrenceAudit(ctx context.Context, db *sql.DB, occurrence *alarms.AlarmOccurrence, action string) {
	if db == nil || occurrence == nil {
		return
	}
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID == "" {
		tenantID = occurrence.TenantID
	}
	if tenantID == "" {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"rule_id":  occurrence.RuleID,
		"state":    occurrence.State,
		"severity": occurrence.Severity,
	})
	repo := audit.NewRepository(db)
	if repo == nil {
		return
	}
	_ = repo.Log(ctx, audit.Entry{
		TenantID:     tenantID,
		Actor:        auth.SubjectFromContext(ctx),
		Role:         string(auth.RoleFromContext(ctx)),
		Action:       action,
		ResourceType: "alarm_occurrence",
		ResourceID:   occurrence.ID,
		Metadata:     meta,
		CreatedAt:    time.Now().UTC(),
	})
}
