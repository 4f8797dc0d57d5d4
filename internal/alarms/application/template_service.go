package application

import (
	"context"
	"errors"

	"github.com/google/uuid"

	alarms "alarm-center/internal/alarms/domain"
)

// TemplateCatalog is the full template surface of the backing store.
type TemplateCatalog interface {
	TemplateStore
	List(ctx context.Context, tenantID string, onlyActive bool) ([]alarms.AlarmTemplate, error)
	Create(ctx context.Context, template *alarms.AlarmTemplate) error
	Update(ctx context.Context, template *alarms.AlarmTemplate) error
	Delete(ctx context.Context, tenantID, id string) error
}

// RuleCounter reports how many rules a template still owns.
type RuleCounter interface {
	CountByTemplate(ctx context.Context, tenantID, templateID string) (int, error)
}

// TemplateService manages alarm templates. System templates are immutable:
// they can be applied but never edited or deleted.
type TemplateService struct {
	templates TemplateCatalog
	rules     RuleCounter
	tenantID  string
	clock     Clock
	newID     func() string
}

// NewTemplateService constructs a template service.
func NewTemplateService(templates TemplateCatalog, rules RuleCounter, tenantID string) (*TemplateService, error) {
	if templates == nil {
		return nil, errors.New("alarms templates: nil store")
	}
	if rules == nil {
		return nil, errors.New("alarms templates: nil rule counter")
	}
	if tenantID == "" {
		return nil, errors.New("alarms templates: empty tenant id")
	}
	return &TemplateService{
		templates: templates,
		rules:     rules,
		tenantID:  tenantID,
		clock:     systemClock{},
		newID:     uuid.NewString,
	}, nil
}

// List returns templates for the tenant.
func (s *TemplateService) List(ctx context.Context, onlyActive bool) ([]alarms.AlarmTemplate, error) {
	if s == nil {
		return nil, errors.New("alarms templates: nil service")
	}
	return s.templates.List(ctx, s.tenantID, onlyActive)
}

// Get loads one template.
func (s *TemplateService) Get(ctx context.Context, id string) (*alarms.AlarmTemplate, error) {
	if s == nil {
		return nil, errors.New("alarms templates: nil service")
	}
	template, err := s.templates.GetByID(ctx, s.tenantID, id)
	if err != nil {
		return nil, err
	}
	if template == nil {
		return nil, alarms.ErrNotFound
	}
	return template, nil
}

// Create validates and persists a new operator-defined template. The default
// config must satisfy the condition schema so applies without overrides are
// always possible.
func (s *TemplateService) Create(ctx context.Context, template alarms.AlarmTemplate) (*alarms.AlarmTemplate, error) {
	if s == nil {
		return nil, errors.New("alarms templates: nil service")
	}
	template.ID = s.newID()
	template.TenantID = s.tenantID
	template.IsSystemTemplate = false
	template.UsageCount = 0
	if template.Severity == "" {
		template.Severity = alarms.SeverityMedium
	}
	now := s.clock.Now()
	template.CreatedAt = now
	template.UpdatedAt = now
	if err := template.Validate(); err != nil {
		return nil, err
	}
	missing, err := alarms.ValidateConfig(template.ConditionType, template.DefaultConfig)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &alarms.ValidationError{Missing: missing}
	}
	if err := s.templates.Create(ctx, &template); err != nil {
		return nil, err
	}
	return &template, nil
}

// Update edits a non-system template in place.
func (s *TemplateService) Update(ctx context.Context, template alarms.AlarmTemplate) (*alarms.AlarmTemplate, error) {
	if s == nil {
		return nil, errors.New("alarms templates: nil service")
	}
	existing, err := s.Get(ctx, template.ID)
	if err != nil {
		return nil, err
	}
	if existing.IsSystemTemplate {
		return nil, alarms.ErrSystemTemplate
	}
	template.TenantID = s.tenantID
	template.IsSystemTemplate = false
	template.UsageCount = existing.UsageCount
	template.CreatedAt = existing.CreatedAt
	template.UpdatedAt = s.clock.Now()
	if err := template.Validate(); err != nil {
		return nil, err
	}
	missing, err := alarms.ValidateConfig(template.ConditionType, template.DefaultConfig)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &alarms.ValidationError{Missing: missing}
	}
	if err := s.templates.Update(ctx, &template); err != nil {
		return nil, err
	}
	return &template, nil
}

// Delete removes a non-system template. A template that still owns rules is
// kept; delete the rules (or disable the template) first.
func (s *TemplateService) Delete(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("alarms templates: nil service")
	}
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsSystemTemplate {
		return alarms.ErrSystemTemplate
	}
	count, err := s.rules.CountByTemplate(ctx, s.tenantID, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return alarms.ErrTemplateInUse
	}
	return s.templates.Delete(ctx, s.tenantID, id)
}
