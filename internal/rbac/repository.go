package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-authz/internal/audit"
	"github.com/odyssey-erp/odyssey-authz/internal/catalog"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRepository exposes the writes that must happen inside one transaction.
type TxRepository interface {
	LockPrincipal(ctx context.Context, principalID string) error
	LockHierarchy(ctx context.Context) error
	ListEdges(ctx context.Context) ([]HierarchyEdge, error)
	ActiveAssignments(ctx context.Context, principalID string, now time.Time) ([]Assignment, error)
	InsertRole(ctx context.Context, role Role) error
	AttachPermissions(ctx context.Context, roleID string, permissionIDs []string) error
	InsertEdge(ctx context.Context, edge HierarchyEdge) error
	InsertAssignment(ctx context.Context, a Assignment) error
	UpdateAssignment(ctx context.Context, id string, conditions []catalog.Condition, metadata map[string]any) error
	DeactivateAssignment(ctx context.Context, id, by string, at time.Time) error
	DeactivateExpired(ctx context.Context, tuple Assignment, by string, at time.Time) ([]Assignment, error)
	InsertPolicy(ctx context.Context, p Policy) error
	InsertMapping(ctx context.Context, m EcpRoleMapping) error
	RecordSyncEntry(ctx context.Context, entry audit.SyncEntry) error
}

// Repository provides PostgreSQL backed persistence for roles, assignments,
// hierarchy edges, mappings and policies.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps fn in a read-committed transaction. Per-principal callers take
// LockPrincipal first so concurrent writers for one principal serialise.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.InTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// ============================================================================
// READS
// ============================================================================

// ActiveAssignments returns active, non-expired assignments for a principal.
func (r *Repository) ActiveAssignments(ctx context.Context, principalID string, now time.Time) ([]Assignment, error) {
	return activeAssignments(ctx, r.pool, principalID, now, false)
}

// RolePermissions returns the role's own permissions in their stored order.
func (r *Repository) RolePermissions(ctx context.Context, roleID string) ([]catalog.Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.name, p.description, p.resource_type, p.action, p.scope, p.conditions, p.created_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY rp.position, p.id`, roleID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanPermission)
}

// ParentEdges returns the edges through which roleID inherits.
func (r *Repository) ParentEdges(ctx context.Context, roleID string) ([]HierarchyEdge, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, parent_role_id, child_role_id, inheritance_type, conditions, created_at
		FROM role_hierarchy
		WHERE child_role_id = $1
		ORDER BY created_at, id`, roleID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEdge)
}

// ListEdges returns the complete hierarchy.
func (t *txRepo) ListEdges(ctx context.Context) ([]HierarchyEdge, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, parent_role_id, child_role_id, inheritance_type, conditions, created_at
		FROM role_hierarchy
		ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEdge)
}

// ActivePolicies returns active policies ordered by priority desc, created_at asc.
func (r *Repository) ActivePolicies(ctx context.Context) ([]Policy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description, policy_type, conditions, target_actions, target_resources,
		       priority, is_active, created_at
		FROM permission_policies
		WHERE is_active
		ORDER BY priority DESC, created_at ASC, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Policy, error) {
		var (
			p     Policy
			conds []byte
		)
		if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Type, &conds, &p.TargetActions, &p.TargetResources,
			&p.Priority, &p.IsActive, &p.CreatedAt); err != nil {
			return Policy{}, err
		}
		if err := decodeJSON(conds, &p.Conditions); err != nil {
			return Policy{}, fmt.Errorf("policy %s conditions: %w", p.ID, err)
		}
		return p, nil
	})
}

// ActiveMappings returns active mappings ordered by priority desc, created_at asc.
func (r *Repository) ActiveMappings(ctx context.Context) ([]EcpRoleMapping, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, COALESCE(external_role_id, ''), COALESCE(external_role_name, ''), internal_role_id,
		       tenant_id, workspace_id, mapping_type, mapping_config, priority, is_active, created_by, created_at
		FROM ecp_role_mappings
		WHERE is_active
		ORDER BY priority DESC, created_at ASC, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (EcpRoleMapping, error) {
		var (
			m   EcpRoleMapping
			cfg []byte
		)
		if err := row.Scan(&m.ID, &m.ExternalRoleID, &m.ExternalRoleName, &m.InternalRoleID, &m.TenantID, &m.WorkspaceID,
			&m.MappingType, &cfg, &m.Priority, &m.IsActive, &m.CreatedBy, &m.CreatedAt); err != nil {
			return EcpRoleMapping{}, err
		}
		if err := decodeJSON(cfg, &m.MappingConfig); err != nil {
			return EcpRoleMapping{}, fmt.Errorf("mapping %s config: %w", m.ID, err)
		}
		return m, nil
	})
}

// GetRole fetches a role by id.
func (r *Repository) GetRole(ctx context.Context, id string) (Role, error) {
	return r.roleBy(ctx, "id", id)
}

// FindRoleByName fetches a role by its unique name.
func (r *Repository) FindRoleByName(ctx context.Context, name string) (Role, error) {
	return r.roleBy(ctx, "name", name)
}

func (r *Repository) roleBy(ctx context.Context, column, value string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, name, description, role_type, max_assignable_level, created_by, created_at, updated_at
		FROM roles WHERE %s = $1`, column), value).Scan(
		&role.ID, &role.Name, &role.Description, &role.Type, &role.MaxAssignableLevel,
		&role.CreatedBy, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.NotFoundf("role %s", value)
		}
		return Role{}, err
	}
	return role, nil
}

// CountPermissions returns how many of the ids exist.
func (r *Repository) CountPermissions(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM permissions WHERE id = ANY($1)`, ids).Scan(&n)
	return n, err
}

// SyncedPrincipals lists principals holding active assignments created by assignedBy.
func (r *Repository) SyncedPrincipals(ctx context.Context, assignedBy string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT principal_id
		FROM user_role_assignments
		WHERE is_active AND assigned_by = $1
		ORDER BY principal_id`, assignedBy)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ============================================================================
// TRANSACTIONAL WRITES
// ============================================================================

// LockPrincipal takes a transaction-scoped advisory lock for the principal.
func (t *txRepo) LockPrincipal(ctx context.Context, principalID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "principal:"+principalID)
	return err
}

// LockHierarchy serialises hierarchy edits so the cycle check sees every committed edge.
func (t *txRepo) LockHierarchy(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('role_hierarchy', 0))`)
	return err
}

// ActiveAssignments reads the principal's active assignments inside the transaction.
func (t *txRepo) ActiveAssignments(ctx context.Context, principalID string, now time.Time) ([]Assignment, error) {
	return activeAssignments(ctx, t.tx, principalID, now, true)
}

// InsertRole inserts a role row.
func (t *txRepo) InsertRole(ctx context.Context, role Role) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO roles (id, name, description, role_type, max_assignable_level, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		role.ID, role.Name, role.Description, string(role.Type), role.MaxAssignableLevel, role.CreatedBy, role.CreatedAt)
	if db.IsUniqueViolation(err) {
		return shared.Conflictf("role %q already exists", role.Name)
	}
	return err
}

// AttachPermissions links permissions to a role preserving order.
func (t *txRepo) AttachPermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	for i, id := range permissionIDs {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, id, i); err != nil {
			return fmt.Errorf("attach permission %s: %w", id, err)
		}
	}
	return nil
}

// InsertEdge inserts a hierarchy edge.
func (t *txRepo) InsertEdge(ctx context.Context, edge HierarchyEdge) error {
	conds, err := encodeJSON(edge.Conditions)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO role_hierarchy (id, parent_role_id, child_role_id, inheritance_type, conditions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		edge.ID, edge.ParentRoleID, edge.ChildRoleID, string(edge.InheritanceType), conds, edge.CreatedAt)
	if db.IsUniqueViolation(err) {
		return shared.Conflictf("edge %s -> %s already exists", edge.ParentRoleID, edge.ChildRoleID)
	}
	if db.IsForeignKeyViolation(err) {
		return shared.NotFoundf("edge %s -> %s references a missing role", edge.ParentRoleID, edge.ChildRoleID)
	}
	return err
}

// InsertAssignment inserts an active assignment. The partial unique index on
// active tuples turns a duplicate into ErrConflict.
func (t *txRepo) InsertAssignment(ctx context.Context, a Assignment) error {
	conds, err := encodeJSON(a.Conditions)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(a.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO user_role_assignments (
			id, principal_id, role_id, resource_type, resource_id, assigned_by, assigned_at,
			expires_at, is_active, conditions, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)`,
		a.ID, a.PrincipalID, a.RoleID, normalizeResourceType(a.ResourceType), a.ResourceID, a.AssignedBy, a.AssignedAt,
		a.ExpiresAt, conds, meta)
	if db.IsUniqueViolation(err) {
		return shared.Conflictf("principal %s already holds an active assignment of role %s on this resource", a.PrincipalID, a.RoleID)
	}
	if db.IsForeignKeyViolation(err) {
		return shared.NotFoundf("role %s not found", a.RoleID)
	}
	return err
}

// UpdateAssignment replaces conditions and metadata in place.
func (t *txRepo) UpdateAssignment(ctx context.Context, id string, conditions []catalog.Condition, metadata map[string]any) error {
	conds, err := encodeJSON(conditions)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(metadata)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE user_role_assignments
		SET conditions = $2, metadata = $3
		WHERE id = $1 AND is_active`, id, conds, meta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFoundf("assignment %s", id)
	}
	return nil
}

// DeactivateAssignment soft-deletes an assignment.
func (t *txRepo) DeactivateAssignment(ctx context.Context, id, by string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE user_role_assignments
		SET is_active = FALSE, deactivated_at = $2, deactivated_by = $3
		WHERE id = $1 AND is_active`, id, at, by)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFoundf("active assignment %s", id)
	}
	return nil
}

// DeactivateExpired soft-deletes active rows on the tuple of the given
// assignment whose expiry has passed. Reads filter expired rows but they still
// hold the active unique index, so a fresh grant must clear them first.
func (t *txRepo) DeactivateExpired(ctx context.Context, tuple Assignment, by string, at time.Time) ([]Assignment, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE user_role_assignments a
		SET is_active = FALSE, deactivated_at = $5, deactivated_by = $6
		FROM roles r
		WHERE r.id = a.role_id
		  AND a.principal_id = $1 AND a.role_id = $2 AND a.resource_type = $3
		  AND COALESCE(a.resource_id, '') = COALESCE($4, '')
		  AND a.is_active AND a.expires_at IS NOT NULL AND a.expires_at <= $5
		RETURNING a.id, a.principal_id, a.role_id, r.name, a.resource_type, a.resource_id, a.assigned_by, a.assigned_at,
		          a.expires_at, a.is_active, a.conditions, a.metadata`,
		tuple.PrincipalID, tuple.RoleID, normalizeResourceType(tuple.ResourceType), tuple.ResourceID, at, by)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAssignment)
}

// InsertPolicy inserts a policy row.
func (t *txRepo) InsertPolicy(ctx context.Context, p Policy) error {
	conds, err := encodeJSON(p.Conditions)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO permission_policies (
			id, name, description, policy_type, conditions, target_actions, target_resources, priority, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9)`,
		p.ID, p.Name, p.Description, string(p.Type), conds, p.TargetActions, nonNil(p.TargetResources), p.Priority, p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return shared.Conflictf("policy %q already exists", p.Name)
	}
	return err
}

// InsertMapping inserts an external role mapping.
func (t *txRepo) InsertMapping(ctx context.Context, m EcpRoleMapping) error {
	cfg, err := encodeJSON(m.MappingConfig)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO ecp_role_mappings (
			id, external_role_id, external_role_name, internal_role_id, tenant_id, workspace_id,
			mapping_type, mapping_config, priority, is_active, created_by, created_at
		) VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, TRUE, $10, $11)`,
		m.ID, m.ExternalRoleID, m.ExternalRoleName, m.InternalRoleID, m.TenantID, m.WorkspaceID,
		string(m.MappingType), cfg, m.Priority, m.CreatedBy, m.CreatedAt)
	if db.IsUniqueViolation(err) {
		return shared.Conflictf("mapping for external role %q already exists", m.ExternalRoleID+m.ExternalRoleName)
	}
	return err
}

// RecordSyncEntry appends a sync audit row in the same transaction as the mutation.
func (t *txRepo) RecordSyncEntry(ctx context.Context, entry audit.SyncEntry) error {
	return audit.InsertSyncEntry(ctx, t.tx, entry)
}

// ============================================================================
// HELPERS
// ============================================================================

func activeAssignments(ctx context.Context, q querier, principalID string, now time.Time, forUpdate bool) ([]Assignment, error) {
	query := `
		SELECT a.id, a.principal_id, a.role_id, r.name, a.resource_type, a.resource_id, a.assigned_by, a.assigned_at,
		       a.expires_at, a.is_active, a.conditions, a.metadata
		FROM user_role_assignments a
		JOIN roles r ON r.id = a.role_id
		WHERE a.principal_id = $1 AND a.is_active AND (a.expires_at IS NULL OR a.expires_at > $2)
		ORDER BY a.assigned_at, a.id`
	if forUpdate {
		query += ` FOR UPDATE OF a`
	}
	rows, err := q.Query(ctx, query, principalID, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAssignment)
}

func scanAssignment(row pgx.CollectableRow) (Assignment, error) {
	var (
		a     Assignment
		conds []byte
		meta  []byte
	)
	if err := row.Scan(&a.ID, &a.PrincipalID, &a.RoleID, &a.RoleName, &a.ResourceType, &a.ResourceID, &a.AssignedBy,
		&a.AssignedAt, &a.ExpiresAt, &a.IsActive, &conds, &meta); err != nil {
		return Assignment{}, err
	}
	if err := decodeJSON(conds, &a.Conditions); err != nil {
		return Assignment{}, fmt.Errorf("assignment %s conditions: %w", a.ID, err)
	}
	if err := decodeJSON(meta, &a.Metadata); err != nil {
		return Assignment{}, fmt.Errorf("assignment %s metadata: %w", a.ID, err)
	}
	return a, nil
}

func scanPermission(row pgx.CollectableRow) (catalog.Permission, error) {
	var (
		p     catalog.Permission
		conds []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ResourceType, &p.Action, &p.Scope, &conds, &p.CreatedAt); err != nil {
		return catalog.Permission{}, err
	}
	if err := decodeJSON(conds, &p.Conditions); err != nil {
		return catalog.Permission{}, fmt.Errorf("permission %s conditions: %w", p.ID, err)
	}
	return p, nil
}

func scanEdge(row pgx.CollectableRow) (HierarchyEdge, error) {
	var (
		e     HierarchyEdge
		conds []byte
	)
	if err := row.Scan(&e.ID, &e.ParentRoleID, &e.ChildRoleID, &e.InheritanceType, &conds, &e.CreatedAt); err != nil {
		return HierarchyEdge{}, err
	}
	if err := decodeJSON(conds, &e.Conditions); err != nil {
		return HierarchyEdge{}, fmt.Errorf("edge %s conditions: %w", e.ID, err)
	}
	return e, nil
}

func normalizeResourceType(rt string) string {
	if rt == "" {
		return catalog.ResourceSystem
	}
	return rt
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func encodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rbac: encode json: %w", err)
	}
	return raw, nil
}

func decodeJSON(raw []byte, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
