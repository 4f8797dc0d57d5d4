package application

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	alarms "alarm-center/internal/alarms/domain"
	"alarm-center/internal/observability/metrics"
)

// TemplateStore is the slice of the backing store the apply engine needs for
// templates.
type TemplateStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*alarms.AlarmTemplate, error)
	IncrementUsage(ctx context.Context, tenantID, id string) error
}

// RuleStore persists alarm rules.
type RuleStore interface {
	Create(ctx context.Context, rule *alarms.AlarmRule) error
	ExistsEnabledByTemplateTarget(ctx context.Context, tenantID, templateID, targetID string) (bool, error)
}

// PointDirectory resolves target telemetry points. The point catalogue itself
// is owned by another subsystem; only identity and data type matter here.
type PointDirectory interface {
	GetPoint(ctx context.Context, tenantID, id string) (*alarms.TargetPoint, error)
}

// ApplyRequest asks for a template to be bound to a set of targets.
type ApplyRequest struct {
	TemplateID        string                    `json:"template_id"`
	TargetIDs         []string                  `json:"target_ids"`
	OverridesByTarget map[string]map[string]any `json:"overrides_by_target,omitempty"`
	GroupName         string                    `json:"group_name,omitempty"`
}

// TargetFailure reports one target that could not receive a rule.
type TargetFailure struct {
	TargetID string   `json:"target_id"`
	Reason   string   `json:"reason"`
	Missing  []string `json:"missing_fields,omitempty"`
}

// ApplyResult reports per-target outcomes of one apply call. Partial success
// is success with warnings, not a transaction failure.
type ApplyResult struct {
	RuleGroupID string             `json:"rule_group_id"`
	Created     []alarms.AlarmRule `json:"created"`
	Failed      []TargetFailure    `json:"failed"`
}

// CreatedCount returns the number of rules created.
func (r ApplyResult) CreatedCount() int { return len(r.Created) }

// FailedCount returns the number of targets that failed.
func (r ApplyResult) FailedCount() int { return len(r.Failed) }

// ApplyService turns templates into concrete rules bound to telemetry points.
type ApplyService struct {
	templates TemplateStore
	rules     RuleStore
	points    PointDirectory
	tenantID  string
	clock     Clock
	newID     func() string
}

// ApplyOption customizes the apply service.
type ApplyOption func(*ApplyService)

// WithApplyClock overrides the default clock.
func WithApplyClock(clock Clock) ApplyOption {
	return func(s *ApplyService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRuleIDFactory overrides rule id generation.
func WithRuleIDFactory(factory func() string) ApplyOption {
	return func(s *ApplyService) {
		if factory != nil {
			s.newID = factory
		}
	}
}

// NewApplyService constructs an apply service.
func NewApplyService(templates TemplateStore, rules RuleStore, points PointDirectory, tenantID string, opts ...ApplyOption) (*ApplyService, error) {
	if templates == nil || rules == nil {
		return nil, errors.New("alarms apply: nil store")
	}
	if points == nil {
		return nil, errors.New("alarms apply: nil point directory")
	}
	if tenantID == "" {
		return nil, errors.New("alarms apply: empty tenant id")
	}
	s := &ApplyService{
		templates: templates,
		rules:     rules,
		points:    points,
		tenantID:  tenantID,
		clock:     systemClock{},
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Apply creates one rule per valid target, all sharing one rule group id.
// The batch is best-effort: targets are processed independently and
// concurrently, one target's failure never aborts or rolls back the others.
// The template's usage count increases by exactly one when the call created
// at least one rule, regardless of target count.
func (s *ApplyService) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	if s == nil {
		return ApplyResult{}, errors.New("alarms apply: nil service")
	}
	if req.TemplateID == "" {
		return ApplyResult{}, errors.New("alarms apply: template id required")
	}
	if len(req.TargetIDs) == 0 {
		return ApplyResult{}, errors.New("alarms apply: no targets")
	}
	started := s.clock.Now()

	template, err := s.templates.GetByID(ctx, s.tenantID, req.TemplateID)
	if err != nil {
		metrics.ObserveApply("error", s.clock.Now().Sub(started))
		return ApplyResult{}, err
	}
	if template == nil {
		metrics.ObserveApply("error", s.clock.Now().Sub(started))
		return ApplyResult{}, alarms.ErrNotFound
	}
	if !template.IsActive {
		metrics.ObserveApply("error", s.clock.Now().Sub(started))
		return ApplyResult{}, alarms.ErrTemplateInactive
	}

	result := ApplyResult{RuleGroupID: s.groupID(*template, req.GroupName)}

	type targetOutcome struct {
		rule    *alarms.AlarmRule
		failure *TargetFailure
	}
	outcomes := make(chan targetOutcome, len(req.TargetIDs))
	var wg sync.WaitGroup
	for _, targetID := range req.TargetIDs {
		wg.Add(1)
		go func(targetID string) {
			defer wg.Done()
			rule, failure := s.applyToTarget(ctx, *template, targetID, req.OverridesByTarget[targetID], result.RuleGroupID)
			outcomes <- targetOutcome{rule: rule, failure: failure}
		}(targetID)
	}
	wg.Wait()
	close(outcomes)

	for outcome := range outcomes {
		if outcome.failure != nil {
			metrics.IncTargetFailure(outcome.failure.Reason)
			result.Failed = append(result.Failed, *outcome.failure)
			continue
		}
		result.Created = append(result.Created, *outcome.rule)
	}
	sort.Slice(result.Created, func(i, j int) bool { return result.Created[i].TargetID < result.Created[j].TargetID })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].TargetID < result.Failed[j].TargetID })

	// One apply event, not one per rule. The counter lives in the backing
	// store and is incremented there atomically.
	if len(result.Created) > 0 {
		if err := s.templates.IncrementUsage(ctx, s.tenantID, template.ID); err != nil {
			metrics.ObserveApply("error", s.clock.Now().Sub(started))
			return result, err
		}
	}

	metrics.AddRulesCreated(len(result.Created))
	metrics.ObserveApply("success", s.clock.Now().Sub(started))
	return result, nil
}

func (s *ApplyService) applyToTarget(ctx context.Context, template alarms.AlarmTemplate, targetID string, override map[string]any, groupID string) (*alarms.AlarmRule, *TargetFailure) {
	point, err := s.points.GetPoint(ctx, s.tenantID, targetID)
	if err != nil {
		return nil, &TargetFailure{TargetID: targetID, Reason: alarms.ReasonTransportFailure}
	}
	if point == nil {
		return nil, &TargetFailure{TargetID: targetID, Reason: alarms.ReasonUnknownTarget}
	}
	if !template.AcceptsDataType(point.DataType) {
		return nil, &TargetFailure{TargetID: targetID, Reason: alarms.ReasonIncompatibleDataType}
	}

	// Re-applying a template to a target that already carries an enabled rule
	// from the same template is rejected rather than duplicated.
	exists, err := s.rules.ExistsEnabledByTemplateTarget(ctx, s.tenantID, template.ID, targetID)
	if err != nil {
		return nil, &TargetFailure{TargetID: targetID, Reason: alarms.ReasonTransportFailure}
	}
	if exists {
		return nil, &TargetFailure{TargetID: targetID, Reason: alarms.ReasonDuplicateRule}
	}

	resolved, err := alarms.MergeConfig(template, override)
	if err != nil {
		var validation *alarms.ValidationError
		if errors.As(err, &validation) {
			return nil, &TargetFailure{TargetID: targetID, Reason: alarms.ReasonInvalidConfig, Missing: validation.Missing}
		}
		return nil, &TargetFailure{TargetID: targetID, Reason: alarms.ReasonInvalidConfig}
	}

	now := s.clock.Now()
	rule := &alarms.AlarmRule{
		ID:                s.newID(),
		TenantID:          s.tenantID,
		TemplateID:        template.ID,
		TargetID:          targetID,
		Name:              template.Name + " @ " + pointLabel(*point),
		ConditionType:     template.ConditionType,
		ResolvedConfig:    resolved,
		Severity:          template.Severity,
		Enabled:           true,
		RuleGroupID:       groupID,
		CreatedByTemplate: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, &TargetFailure{TargetID: targetID, Reason: alarms.ReasonTransportFailure}
	}
	return rule, nil
}

// groupID derives the shared rule group id: the caller's name when given,
// otherwise "<templateName>_<date>".
func (s *ApplyService) groupID(template alarms.AlarmTemplate, groupName string) string {
	if groupName != "" {
		return groupName
	}
	return template.Name + "_" + s.clock.Now().Format("20060102")
}

func pointLabel(point alarms.TargetPoint) string {
	if point.Name != "" {
		return point.Name
	}
	return point.ID
}
