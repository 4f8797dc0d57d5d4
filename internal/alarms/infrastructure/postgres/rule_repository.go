package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	alarms "alarm-center/internal/alarms/domain"
	"alarm-center/internal/audit"
	"alarm-center/internal/auth"
)

const defaultAlarmRulesTable = "alarm_rules"

// AlarmRuleRepository is a Postgres repository for alarm rules.
type AlarmRuleRepository struct {
	db    *sql.DB
	table string
}

// NewAlarmRuleRepository constructs a repository.
func NewAlarmRuleRepository(db *sql.DB) *AlarmRuleRepository {
	return &AlarmRuleRepository{db: db, table: defaultAlarmRulesTable}
}

// Create inserts an alarm rule. The resolved config is stored as JSONB.
func (r *AlarmRuleRepository) Create(ctx context.Context, rule *alarms.AlarmRule) error {
	if r == nil || r.db == nil {
		return errors.New("alarm rule repo: nil db")
	}
	if rule == nil {
		return errors.New("alarm rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	config, err := json.Marshal(rule.ResolvedConfig)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alarm_rules (
	id, tenant_id, template_id, target_id, name, condition_type, resolved_config,
	severity, enabled, rule_group_id, created_by_template, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11, $12, $13
)`, rule.ID, rule.TenantID, nullableString(rule.TemplateID), rule.TargetID, rule.Name,
		string(rule.ConditionType), config, string(rule.Severity), rule.Enabled,
		nullableString(rule.RuleGroupID), rule.CreatedByTemplate, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return err
	}
	logAlarmRuleAudit(ctx, r.db, rule)
	return nil
}

// GetByID loads a rule by id.
func (r *AlarmRuleRepository) GetByID(ctx context.Context, tenantID, ruleID string) (*alarms.AlarmRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm rule repo: nil db")
	}
	if tenantID == "" || ruleID == "" {
		return nil, errors.New("alarm rule repo: invalid query")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, tenant_id, template_id, target_id, name, condition_type, resolved_config,
	severity, enabled, rule_group_id, created_by_template, created_at, updated_at
FROM alarm_rules
WHERE tenant_id = $1 AND id = $2
LIMIT 1`, tenantID, ruleID)
	return scanRule(row)
}

// ExistsEnabledByTemplateTarget reports whether an enabled rule created from
// the template already covers the target.
func (r *AlarmRuleRepository) ExistsEnabledByTemplateTarget(ctx context.Context, tenantID, templateID, targetID string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alarm rule repo: nil db")
	}
	if tenantID == "" || templateID == "" || targetID == "" {
		return false, errors.New("alarm rule repo: invalid query")
	}
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM alarm_rules
	WHERE tenant_id = $1 AND template_id = $2 AND target_id = $3 AND enabled = TRUE
)`, tenantID, templateID, targetID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ListByGroup returns all rules created by one apply call.
func (r *AlarmRuleRepository) ListByGroup(ctx context.Context, tenantID, ruleGroupID string) ([]alarms.AlarmRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm rule repo: nil db")
	}
	if tenantID == "" || ruleGroupID == "" {
		return nil, errors.New("alarm rule repo: invalid query")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, tenant_id, template_id, target_id, name, condition_type, resolved_config,
	severity, enabled, rule_group_id, created_by_template, created_at, updated_at
FROM alarm_rules
WHERE tenant_id = $1 AND rule_group_id = $2
ORDER BY target_id ASC`, tenantID, ruleGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListByTarget returns rules bound to one telemetry point.
func (r *AlarmRuleRepository) ListByTarget(ctx context.Context, tenantID, targetID string) ([]alarms.AlarmRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm rule repo: nil db")
	}
	if tenantID == "" || targetID == "" {
		return nil, errors.New("alarm rule repo: invalid query")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, tenant_id, template_id, target_id, name, condition_type, resolved_config,
	severity, enabled, rule_group_id, created_by_template, created_at, updated_at
FROM alarm_rules
WHERE tenant_id = $1 AND target_id = $2
ORDER BY created_at ASC`, tenantID, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// SetEnabled flips a rule on or off.
func (r *AlarmRuleRepository) SetEnabled(ctx context.Context, tenantID, ruleID string, enabled bool) error {
	if r == nil || r.db == nil {
		return errors.New("alarm rule repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE alarm_rules
SET enabled = $1, updated_at = $2
WHERE tenant_id = $3 AND id = $4`, enabled, time.Now().UTC(), tenantID, ruleID)
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

// Delete removes a rule.
func (r *AlarmRuleRepository) Delete(ctx context.Context, tenantID, ruleID string) error {
	if r == nil || r.db == nil {
		return errors.New("alarm rule repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
DELETE FROM alarm_rules
WHERE tenant_id = $1 AND id = $2`, tenantID, ruleID)
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

// CountByTemplate returns how many rules a template still owns.
func (r *AlarmRuleRepository) CountByTemplate(ctx context.Context, tenantID, templateID string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alarm rule repo: nil db")
	}
	if tenantID == "" || templateID == "" {
		return 0, errors.New("alarm rule repo: invalid query")
	}
	var count int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM alarm_rules
WHERE tenant_id = $1 AND template_id = $2`, tenantID, templateID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (*alarms.AlarmRule, error) {
	var rule alarms.AlarmRule
	var templateID sql.NullString
	var groupID sql.NullString
	var conditionType, severity string
	var config []byte
	if err := row.Scan(
		&rule.ID,
		&rule.TenantID,
		&templateID,
		&rule.TargetID,
		&rule.Name,
		&conditionType,
		&config,
		&severity,
		&rule.Enabled,
		&groupID,
		&rule.CreatedByTemplate,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rule.TemplateID = templateID.String
	rule.RuleGroupID = groupID.String
	rule.ConditionType = alarms.ConditionType(conditionType)
	rule.Severity = alarms.Severity(severity)
	if len(config) > 0 {
		if err := json.Unmarshal(config, &rule.ResolvedConfig); err != nil {
			return nil, err
		}
	}
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}

func collectRules(rows *sql.Rows) ([]alarms.AlarmRule, error) {
	var result []alarms.AlarmRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func logAlarmRuleAudit(ctx context.Context, db *sql.DB, rule *alarms.AlarmRule) {
	if db == nil || rule == nil {
		return
	}
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID == "" {
		tenantID = rule.TenantID
	}
	if tenantID == "" {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"template_id":    rule.TemplateID,
		"target_id":      rule.TargetID,
		"name":           rule.Name,
		"condition_type": rule.ConditionType,
		"severity":       rule.Severity,
		"enabled":        rule.Enabled,
		"rule_group_id":  rule.RuleGroupID,
	})
	repo := audit.NewRepository(db)
	if repo == nil {
		return
	}
	_ = repo.Log(ctx, audit.Entry{
		TenantID:     tenantID,
		Actor:        auth.SubjectFromContext(ctx),
		Role:         string(auth.RoleFromContext(ctx)),
		Action:       "alarm_rule.create",
		ResourceType: "alarm_rule",
		ResourceID:   rule.ID,
		TargetID:     rule.TargetID,
		Metadata:     meta,
		CreatedAt:    time.Now().UTC(),
	})
}
