package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// RepositoryPort is the read side the admin service needs.
type RepositoryPort interface {
	GetRole(ctx context.Context, id string) (Role, error)
	CountPermissions(ctx context.Context, ids []string) (int, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// CacheInvalidator drops cached role permission sets after a mutation.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Service implements the administrative write operations.
type Service struct {
	repo   RepositoryPort
	cache  CacheInvalidator
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// NewService constructs the admin service. cache may be nil.
func NewService(repo RepositoryPort, cache CacheInvalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		logger: logger.With(slog.String("component", "rbac")),
		clock:  time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// WithClock overrides the clock used for timestamps.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// ============================================================================
// ROLES
// ============================================================================

// CreateRole inserts a role with its ordered permissions and optional parents.
func (s *Service) CreateRole(ctx context.Context, req CreateRoleRequest, createdBy string) (string, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := ValidateCreateRole(req); err != nil {
		return "", err
	}
	permIDs := lo.Uniq(req.PermissionIDs)
	if len(permIDs) > 0 {
		found, err := s.repo.CountPermissions(ctx, permIDs)
		if err != nil {
			return "", fmt.Errorf("count permissions: %w", err)
		}
		if found != len(permIDs) {
			return "", shared.NotFoundf("%d of %d permissions", len(permIDs)-found, len(permIDs))
		}
	}
	parents := lo.Uniq(req.ParentRoleIDs)
	for _, parentID := range parents {
		if _, err := s.repo.GetRole(ctx, parentID); err != nil {
			return "", err
		}
	}

	now := s.clock().UTC()
	role := Role{
		ID:                 s.newID(),
		Name:               req.Name,
		Description:        strings.TrimSpace(req.Description),
		Type:               req.Type,
		MaxAssignableLevel: req.MaxAssignableLevel,
		CreatedBy:          createdBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertRole(ctx, role); err != nil {
			return err
		}
		if err := tx.AttachPermissions(ctx, role.ID, permIDs); err != nil {
			return err
		}
		if len(parents) == 0 {
			return nil
		}
		if err := tx.LockHierarchy(ctx); err != nil {
			return err
		}
		for _, parentID := range parents {
			if err := s.insertEdge(ctx, tx, HierarchyEdge{
				ID:              s.newID(),
				ParentRoleID:    parentID,
				ChildRoleID:     role.ID,
				InheritanceType: InheritFull,
				CreatedAt:       now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.invalidate(ctx)
	s.logger.Info("role created", slog.String("role_id", role.ID), slog.String("name", role.Name), slog.String("by", createdBy))
	return role.ID, nil
}

// AddHierarchyEdge makes the child inherit from the parent, rejecting cycles.
func (s *Service) AddHierarchyEdge(ctx context.Context, req AddHierarchyEdgeRequest) (string, error) {
	if err := ValidateAddHierarchyEdge(req); err != nil {
		return "", err
	}
	if req.InheritanceType == "" {
		req.InheritanceType = InheritFull
	}
	for _, id := range []string{req.ParentRoleID, req.ChildRoleID} {
		if _, err := s.repo.GetRole(ctx, id); err != nil {
			return "", err
		}
	}
	edge := HierarchyEdge{
		ID:              s.newID(),
		ParentRoleID:    req.ParentRoleID,
		ChildRoleID:     req.ChildRoleID,
		InheritanceType: req.InheritanceType,
		Conditions:      req.Conditions,
		CreatedAt:       s.clock().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockHierarchy(ctx); err != nil {
			return err
		}
		return s.insertEdge(ctx, tx, edge)
	})
	if err != nil {
		return "", err
	}
	s.invalidate(ctx)
	return edge.ID, nil
}

func (s *Service) insertEdge(ctx context.Context, tx TxRepository, edge HierarchyEdge) error {
	existing, err := tx.ListEdges(ctx)
	if err != nil {
		return fmt.Errorf("list edges: %w", err)
	}
	if err := ValidateEdge(existing, edge.ParentRoleID, edge.ChildRoleID); err != nil {
		return err
	}
	return tx.InsertEdge(ctx, edge)
}

// ============================================================================
// ASSIGNMENTS
// ============================================================================

// AssignRole creates an active assignment, rejecting an exact active duplicate.
func (s *Service) AssignRole(ctx context.Context, req AssignRoleRequest, assignedBy string) (string, error) {
	now := s.clock().UTC()
	if err := ValidateAssignRole(req, now); err != nil {
		return "", err
	}
	role, err := s.repo.GetRole(ctx, req.RoleID)
	if err != nil {
		return "", err
	}
	a := Assignment{
		ID:           s.newID(),
		PrincipalID:  req.PrincipalID,
		RoleID:       role.ID,
		RoleName:     role.Name,
		ResourceType: normalizeResourceType(strings.TrimSpace(req.ResourceType)),
		ResourceID:   req.ResourceID,
		AssignedBy:   assignedBy,
		AssignedAt:   now,
		ExpiresAt:    req.ExpiresAt,
		IsActive:     true,
		Conditions:   req.Conditions,
		Metadata:     req.Metadata,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPrincipal(ctx, a.PrincipalID); err != nil {
			return err
		}
		current, err := tx.ActiveAssignments(ctx, a.PrincipalID, now)
		if err != nil {
			return err
		}
		if lo.ContainsBy(current, func(c Assignment) bool { return c.Key() == a.Key() }) {
			return shared.Conflictf("principal %s already holds role %s on this resource", a.PrincipalID, role.Name)
		}
		if _, err := tx.DeactivateExpired(ctx, a, assignedBy, now); err != nil {
			return err
		}
		return tx.InsertAssignment(ctx, a)
	})
	if err != nil {
		return "", err
	}
	s.invalidate(ctx)
	s.logger.Info("role assigned",
		slog.String("assignment_id", a.ID),
		slog.String("principal_id", a.PrincipalID),
		slog.String("role_id", a.RoleID),
		slog.String("by", assignedBy))
	return a.ID, nil
}

// RevokeAssignment soft-deactivates an assignment.
func (s *Service) RevokeAssignment(ctx context.Context, assignmentID, revokedBy string) error {
	if strings.TrimSpace(assignmentID) == "" {
		return shared.Validationf("assignment id required")
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeactivateAssignment(ctx, assignmentID, revokedBy, s.clock().UTC())
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ============================================================================
// MAPPINGS AND POLICIES
// ============================================================================

// CreateEcpRoleMapping registers a mapping from an external role to an internal role.
func (s *Service) CreateEcpRoleMapping(ctx context.Context, req CreateMappingRequest, createdBy string) (string, error) {
	if err := ValidateCreateMapping(req); err != nil {
		return "", err
	}
	if _, err := s.repo.GetRole(ctx, req.InternalRoleID); err != nil {
		return "", err
	}
	m := EcpRoleMapping{
		ID:               s.newID(),
		ExternalRoleID:   strings.TrimSpace(req.ExternalRoleID),
		ExternalRoleName: strings.TrimSpace(req.ExternalRoleName),
		InternalRoleID:   req.InternalRoleID,
		TenantID:         req.TenantID,
		WorkspaceID:      req.WorkspaceID,
		MappingType:      req.MappingType,
		MappingConfig:    req.MappingConfig,
		Priority:         req.Priority,
		IsActive:         true,
		CreatedBy:        createdBy,
		CreatedAt:        s.clock().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertMapping(ctx, m)
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// CreatePolicy registers an allow, deny or conditional policy.
func (s *Service) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (string, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := ValidateCreatePolicy(req); err != nil {
		return "", err
	}
	p := Policy{
		ID:              s.newID(),
		Name:            req.Name,
		Description:     strings.TrimSpace(req.Description),
		Type:            req.Type,
		Conditions:      req.Conditions,
		TargetActions:   req.TargetActions,
		TargetResources: req.TargetResources,
		Priority:        req.Priority,
		IsActive:        true,
		CreatedAt:       s.clock().UTC(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertPolicy(ctx, p)
	})
	if err != nil {
		return "", err
	}
	s.invalidate(ctx)
	return p.ID, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("cache invalidate failed", slog.Any("error", err))
	}
}
