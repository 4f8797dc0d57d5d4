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

const defaultAlarmTemplatesTable = "alarm_templates"

// AlarmTemplateRepository is a Postgres repository for alarm templates.
type AlarmTemplateRepository struct {
	db    *sql.DB
	table string
}

// NewAlarmTemplateRepository constructs a repository.
func NewAlarmTemplateRepository(db *sql.DB) *AlarmTemplateRepository {
	return &AlarmTemplateRepository{db: db, table: defaultAlarmTemplatesTable}
}

// GetByID loads a template by id.
func (r *AlarmTemplateRepository) GetByID(ctx context.Context, tenantID, id string) (*alarms.AlarmTemplate, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm template repo: nil db")
	}
	if tenantID == "" || id == "" {
		return nil, errors.New("alarm template repo: invalid query")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, tenant_id, name, description, condition_type, default_config, severity,
	message_template, applicable_data_types, usage_count, is_active, is_system_template,
	created_at, updated_at
FROM alarm_templates
WHERE tenant_id = $1 AND id = $2
LIMIT 1`, tenantID, id)
	return scanTemplate(row)
}

// List returns templates for a tenant, optionally only active ones.
func (r *AlarmTemplateRepository) List(ctx context.Context, tenantID string, onlyActive bool) ([]alarms.AlarmTemplate, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm template repo: nil db")
	}
	if tenantID == "" {
		return nil, errors.New("alarm template repo: invalid query")
	}
	query := `
SELECT id, tenant_id, name, description, condition_type, default_config, severity,
	message_template, applicable_data_types, usage_count, is_active, is_system_template,
	created_at, updated_at
FROM alarm_templates
WHERE tenant_id = $1`
	if onlyActive {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY name ASC"

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.AlarmTemplate
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *template)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Create inserts a template.
func (r *AlarmTemplateRepository) Create(ctx context.Context, template *alarms.AlarmTemplate) error {
	if r == nil || r.db == nil {
		return errors.New("alarm template repo: nil db")
	}
	if template == nil {
		return errors.New("alarm template repo: nil template")
	}
	if err := template.Validate(); err != nil {
		return err
	}
	if template.CreatedAt.IsZero() {
		template.CreatedAt = time.Now().UTC()
	}
	if template.UpdatedAt.IsZero() {
		template.UpdatedAt = template.CreatedAt
	}
	config, err := json.Marshal(template.DefaultConfig)
	if err != nil {
		return err
	}
	dataTypes, err := json.Marshal(template.ApplicableDataTypes)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alarm_templates (
	id, tenant_id, name, description, condition_type, default_config, severity,
	message_template, applicable_data_types, usage_count, is_active, is_system_template,
	created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11, $12,
	$13, $14
)`, template.ID, template.TenantID, template.Name, template.Description,
		string(template.ConditionType), config, string(template.Severity),
		template.MessageTemplate, dataTypes,
		template.UsageCount, template.IsActive, template.IsSystemTemplate,
		template.CreatedAt, template.UpdatedAt)
	if err != nil {
		return err
	}
	logTemplateAudit(ctx, r.db, template, "alarm_template.create")
	return nil
}

// Update rewrites a template row. System templates are guarded in SQL as a
// second line of defense behind the service check.
func (r *AlarmTemplateRepository) Update(ctx context.Context, template *alarms.AlarmTemplate) error {
	if r == nil || r.db == nil {
		return errors.New("alarm template repo: nil db")
	}
	if template == nil {
		return errors.New("alarm template repo: nil template")
	}
	if err := template.Validate(); err != nil {
		return err
	}
	config, err := json.Marshal(template.DefaultConfig)
	if err != nil {
		return err
	}
	dataTypes, err := json.Marshal(template.ApplicableDataTypes)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE alarm_templates
SET name = $1, description = $2, condition_type = $3, default_config = $4,
	severity = $5, message_template = $6, applicable_data_types = $7,
	is_active = $8, updated_at = $9
WHERE tenant_id = $10 AND id = $11 AND is_system_template = FALSE`,
		template.Name, template.Description, string(template.ConditionType), config,
		string(template.Severity), template.MessageTemplate, dataTypes,
		template.IsActive, template.UpdatedAt, template.TenantID, template.ID)
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
	logTemplateAudit(ctx, r.db, template, "alarm_template.update")
	return nil
}

// Delete removes a non-system template.
func (r *AlarmTemplateRepository) Delete(ctx context.Context, tenantID, id string) error {
	if r == nil || r.db == nil {
		return errors.New("alarm template repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
DELETE FROM alarm_templates
WHERE tenant_id = $1 AND id = $2 AND is_system_template = FALSE`, tenantID, id)
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

// IncrementUsage bumps the usage counter by one. The increment happens in SQL
// so concurrent applies never lose updates.
func (r *AlarmTemplateRepository) IncrementUsage(ctx context.Context, tenantID, id string) error {
	if r == nil || r.db == nil {
		return errors.New("alarm template repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE alarm_templates
SET usage_count = usage_count + 1, updated_at = $1
WHERE tenant_id = $2 AND id = $3`, time.Now().UTC(), tenantID, id)
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

type templateScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row templateScanner) (*alarms.AlarmTemplate, error) {
	var template alarms.AlarmTemplate
	var description, messageTemplate sql.NullString
	var conditionType, severity string
	var config, dataTypes []byte
	if err := row.Scan(
		&template.ID,
		&template.TenantID,
		&template.Name,
		&description,
		&conditionType,
		&config,
		&severity,
		&messageTemplate,
		&dataTypes,
		&template.UsageCount,
		&template.IsActive,
		&template.IsSystemTemplate,
		&template.CreatedAt,
		&template.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	template.Description = description.String
	template.MessageTemplate = messageTemplate.String
	template.ConditionType = alarms.ConditionType(conditionType)
	template.Severity = alarms.Severity(severity)
	if len(config) > 0 {
		if err := json.Unmarshal(config, &template.DefaultConfig); err != nil {
			return nil, err
		}
	}
	if len(dataTypes) > 0 {
		if err := json.Unmarshal(dataTypes, &template.ApplicableDataTypes); err != nil {
			return nil, err
		}
	}
	template.CreatedAt = template.CreatedAt.UTC()
	template.UpdatedAt = template.UpdatedAt.UTC()
	return &template, nil
}

func logTemplateAudit(ctx context.Context, db *sql.DB, template *alarms.AlarmTemplate, action string) {
	if db == nil || template == nil {
		return
	}
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID == "" {
		tenantID = template.TenantID
	}
	if tenantID == "" {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"name":           template.Name,
		"condition_type": template.ConditionType,
		"severity":       template.Severity,
		"is_active":      template.IsActive,
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
		ResourceType: "alarm_template",
		ResourceID:   template.ID,
		Metadata:     meta,
		CreatedAt:    time.Now().UTC(),
	})
}
