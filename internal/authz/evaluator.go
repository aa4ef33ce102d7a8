// Package authz answers permission checks by combining role assignments,
// the role hierarchy, permission conditions and the policy overlay.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"github.com/odyssey-erp/odyssey-authz/internal/audit"
	"github.com/odyssey-erp/odyssey-authz/internal/catalog"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// Deny reasons.
const (
	ReasonNoRoles          = "no assigned roles"
	ReasonNoMatch          = "no matching permissions"
	ReasonConditionsNotMet = "conditions not met"
	ReasonInternalError    = "Internal error during permission check"
)

// Store is the read side of the assignment store the evaluator uses.
type Store interface {
	ActiveAssignments(ctx context.Context, principalID string, now time.Time) ([]rbac.Assignment, error)
	ActivePolicies(ctx context.Context) ([]rbac.Policy, error)
}

// Check is a single permission question.
type Check struct {
	PrincipalID  string         `json:"principal_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action"`
	TenantID     string         `json:"tenant_id,omitempty"`
	WorkspaceID  string         `json:"workspace_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Validate reports missing required fields.
func (c Check) Validate() error {
	var missing []string
	if strings.TrimSpace(c.PrincipalID) == "" {
		missing = append(missing, "principal_id")
	}
	if strings.TrimSpace(c.ResourceType) == "" {
		missing = append(missing, "resource_type")
	}
	if strings.TrimSpace(c.Action) == "" {
		missing = append(missing, "action")
	}
	if len(missing) > 0 {
		return shared.Validationf("%s required", strings.Join(missing, ", "))
	}
	return nil
}

func (c Check) target() catalog.Target {
	return catalog.Target{
		ResourceType: c.ResourceType,
		ResourceID:   c.ResourceID,
		TenantID:     firstNonEmpty(c.TenantID, cast.ToString(c.Context["tenant_id"])),
		WorkspaceID:  firstNonEmpty(c.WorkspaceID, cast.ToString(c.Context["workspace_id"])),
	}
}

// attributes is the condition target: the caller context plus the request fields.
func (c Check) attributes() catalog.Attributes {
	attrs := make(catalog.Attributes, len(c.Context)+6)
	for k, v := range c.Context {
		attrs[k] = v
	}
	t := c.target()
	defaults := map[string]string{
		"principal_id":  c.PrincipalID,
		"resource_type": c.ResourceType,
		"resource_id":   c.ResourceID,
		"action":        c.Action,
		"tenant_id":     t.ResolvedTenant(),
		"workspace_id":  t.ResolvedWorkspace(),
	}
	for k, v := range defaults {
		if _, ok := attrs[k]; !ok && v != "" {
			attrs[k] = v
		}
	}
	return attrs
}

// MatchedPermission is a permission that granted the request.
type MatchedPermission struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ResourceType  string `json:"resource_type"`
	Action        string `json:"action"`
	RoleID        string `json:"role_id"`
	InheritedFrom string `json:"inherited_from,omitempty"`
}

// Result is the answer to a Check.
type Result struct {
	Allowed            bool                `json:"allowed"`
	Reason             string              `json:"reason"`
	MatchedPermissions []MatchedPermission `json:"matched_permissions"`
	DeniedReasons      []string            `json:"denied_reasons,omitempty"`
}

func deny(reason string, denied []string) Result {
	return Result{Reason: reason, MatchedPermissions: []MatchedPermission{}, DeniedReasons: denied}
}

// Evaluator implements the decision procedure.
type Evaluator struct {
	store    Store
	resolver PermissionResolver
	sink     audit.Sink
	metrics  *Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

// NewEvaluator constructs an evaluator. sink and metrics may be nil.
func NewEvaluator(store Store, resolver PermissionResolver, sink audit.Sink, metrics *Metrics, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:    store,
		resolver: resolver,
		sink:     sink,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "authz")),
		clock:    time.Now,
	}
}

// WithClock overrides the clock used for expiry and audit timestamps.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	if clock != nil {
		e.clock = clock
	}
	return e
}

// CheckPermission answers the check. It never returns an error: any failure,
// including a panic, is recorded and turned into a deny.
func (e *Evaluator) CheckPermission(ctx context.Context, check Check) (result Result) {
	start := e.clock()
	var failure error
	defer func() {
		if rec := recover(); rec != nil {
			failure = fmt.Errorf("panic: %v", rec)
			e.logger.Error("permission check panicked",
				slog.String("principal_id", check.PrincipalID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			result = deny(ReasonInternalError, nil)
		}
		elapsed := e.clock().Sub(start)
		e.metrics.observe(result, elapsed, failure != nil)
		e.record(ctx, check, result, failure, start, elapsed)
	}()

	if err := check.Validate(); err != nil {
		return deny(err.Error(), nil)
	}
	res, err := e.decide(ctx, check)
	if err != nil {
		failure = err
		e.logger.Error("permission check failed",
			slog.String("principal_id", check.PrincipalID),
			slog.String("action", check.Action),
			slog.Any("error", err))
		return deny(ReasonInternalError, nil)
	}
	return res
}

// Allow adapts CheckPermission to the admin guard.
func (e *Evaluator) Allow(ctx context.Context, principalID, resourceType, action string) (bool, string) {
	res := e.CheckPermission(ctx, Check{PrincipalID: principalID, ResourceType: resourceType, Action: action})
	return res.Allowed, res.Reason
}

func (e *Evaluator) decide(ctx context.Context, check Check) (Result, error) {
	now := e.clock()
	attrs := check.attributes()

	// Step 1: assignments covering the requested resource.
	assignments, err := e.store.ActiveAssignments(ctx, check.PrincipalID, now)
	if err != nil {
		return Result{}, fmt.Errorf("load assignments: %w", err)
	}
	var denied []string
	applicable := make([]rbac.Assignment, 0, len(assignments))
	for _, a := range assignments {
		if !a.IsActive || a.Expired(now) || !a.AppliesTo(check.ResourceType, check.ResourceID) {
			continue
		}
		ok, failed, err := catalog.EvaluateAll(a.Conditions, attrs)
		if err != nil {
			return Result{}, fmt.Errorf("assignment %s conditions: %w", a.ID, err)
		}
		if !ok {
			denied = append(denied, fmt.Sprintf("assignment %s: %s", firstNonEmpty(a.RoleName, a.RoleID), strings.Join(failed, ", ")))
			continue
		}
		applicable = append(applicable, a)
	}
	if len(applicable) == 0 {
		if len(denied) > 0 {
			return deny(ReasonConditionsNotMet, denied), nil
		}
		return deny(ReasonNoRoles, nil), nil
	}

	// Step 2: direct ∪ inherited, merged by permission id.
	var merged []EffectivePermission
	seen := make(map[string]struct{})
	for _, roleID := range lo.Uniq(lo.Map(applicable, func(a rbac.Assignment, _ int) string { return a.RoleID })) {
		perms, err := e.resolver.RolePermissions(ctx, roleID)
		if err != nil {
			return Result{}, fmt.Errorf("resolve role %s: %w", roleID, err)
		}
		for _, p := range perms {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			merged = append(merged, p)
		}
	}

	// Step 3: grammar and scope.
	target := check.target()
	candidates := lo.Filter(merged, func(p EffectivePermission, _ int) bool {
		return p.Matches(target, check.Action)
	})
	if len(candidates) == 0 {
		return deny(ReasonNoMatch, denied), nil
	}

	// Step 4: permission conditions.
	var matched []MatchedPermission
	for _, p := range candidates {
		ok, failed, err := catalog.EvaluateAll(p.Conditions, attrs)
		if err != nil {
			return Result{}, fmt.Errorf("permission %s conditions: %w", p.ID, err)
		}
		if !ok {
			denied = append(denied, fmt.Sprintf("permission %s: %s", firstNonEmpty(p.Name, p.ID), strings.Join(failed, ", ")))
			continue
		}
		matched = append(matched, MatchedPermission{
			ID:            p.ID,
			Name:          p.Name,
			ResourceType:  p.ResourceType,
			Action:        p.Action,
			RoleID:        p.RoleID,
			InheritedFrom: p.InheritedFrom,
		})
	}
	if len(matched) == 0 {
		return deny(ReasonConditionsNotMet, denied), nil
	}

	// Step 5: policy overlay.
	policies, err := e.store.ActivePolicies(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load policies: %w", err)
	}
	verdict, err := applyPolicies(policies, check.Action, check.ResourceType, attrs)
	if err != nil {
		return Result{}, err
	}
	if verdict.denied {
		return Result{
			Reason:             verdict.reason,
			MatchedPermissions: matched,
			DeniedReasons:      append(denied, verdict.reason),
		}, nil
	}

	reason := fmt.Sprintf("granted by %d permission(s)", len(matched))
	if len(verdict.allowBy) > 0 {
		reason += "; allowed by policy " + strings.Join(verdict.allowBy, ", ")
	}
	return Result{Allowed: true, Reason: reason, MatchedPermissions: matched, DeniedReasons: denied}, nil
}

// record emits exactly one audit entry for the check. Sink failures are logged
// and otherwise ignored.
func (e *Evaluator) record(ctx context.Context, check Check, res Result, failure error, start time.Time, elapsed time.Duration) {
	if e.sink == nil {
		return
	}
	entry := audit.CheckEntry{
		ID:                 uuid.NewString(),
		PrincipalID:        check.PrincipalID,
		ResourceType:       check.ResourceType,
		ResourceID:         check.ResourceID,
		Action:             check.Action,
		Allowed:            res.Allowed,
		Reason:             res.Reason,
		MatchedPermissions: len(res.MatchedPermissions),
		DeniedReasons:      res.DeniedReasons,
		Context:            check.Context,
		ProcessingTime:     elapsed,
		CheckedAt:          start.UTC(),
	}
	if failure != nil {
		entry.Error = failure.Error()
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("audit sink panicked", slog.Any("panic", rec))
		}
	}()
	if err := e.sink.RecordCheck(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("audit record failed", slog.String("principal_id", check.PrincipalID), slog.Any("error", err))
	}
}

// ============================================================================
// BULK
// ============================================================================

// CheckItem is one tuple of a bulk request.
type CheckItem struct {
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action"`
	TenantID     string         `json:"tenant_id,omitempty"`
	WorkspaceID  string         `json:"workspace_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// BulkItemResult pairs a request item with its result.
type BulkItemResult struct {
	CheckItem
	Result Result `json:"result"`
}

// BulkResult is the per-item results plus aggregate counts.
type BulkResult struct {
	PrincipalID string           `json:"principal_id"`
	Results     []BulkItemResult `json:"results"`
	Total       int              `json:"total"`
	Allowed     int              `json:"allowed"`
	Denied      int              `json:"denied"`
}

// BulkCheckPermissions evaluates each item independently for the principal.
func (e *Evaluator) BulkCheckPermissions(ctx context.Context, principalID string, items []CheckItem) BulkResult {
	out := BulkResult{PrincipalID: principalID, Results: make([]BulkItemResult, 0, len(items)), Total: len(items)}
	for _, item := range items {
		res := e.CheckPermission(ctx, Check{
			PrincipalID:  principalID,
			ResourceType: item.ResourceType,
			ResourceID:   item.ResourceID,
			Action:       item.Action,
			TenantID:     item.TenantID,
			WorkspaceID:  item.WorkspaceID,
			Context:      item.Context,
		})
		if res.Allowed {
			out.Allowed++
		} else {
			out.Denied++
		}
		out.Results = append(out.Results, BulkItemResult{CheckItem: item, Result: res})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	v, _ := lo.Find(values, func(s string) bool { return strings.TrimSpace(s) != "" })
	return v
}
