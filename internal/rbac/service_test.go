package rbac

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/audit"
	"github.com/odyssey-erp/odyssey-authz/internal/catalog"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

type memoryStore struct {
	roles       map[string]Role
	permissions map[string]bool
	rolePerms   map[string][]string
	edges       []HierarchyEdge
	assignments []Assignment
	mappings    []EcpRoleMapping
	policies    []Policy
	failInsert  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		roles:       map[string]Role{},
		permissions: map[string]bool{},
		rolePerms:   map[string][]string{},
	}
}

func (m *memoryStore) GetRole(_ context.Context, id string) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, shared.NotFoundf("role %s", id)
	}
	return role, nil
}

func (m *memoryStore) CountPermissions(_ context.Context, ids []string) (int, error) {
	n := 0
	for _, id := range ids {
		if m.permissions[id] {
			n++
		}
	}
	return n, nil
}

// WithTx stages writes on a copy and only publishes them when fn succeeds.
func (m *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	staged := &memoryTx{
		store:       m,
		roles:       map[string]Role{},
		rolePerms:   map[string][]string{},
		edges:       append([]HierarchyEdge(nil), m.edges...),
		assignments: append([]Assignment(nil), m.assignments...),
	}
	if err := fn(ctx, staged); err != nil {
		return err
	}
	for id, r := range staged.roles {
		m.roles[id] = r
	}
	for id, p := range staged.rolePerms {
		m.rolePerms[id] = p
	}
	m.edges = staged.edges
	m.assignments = staged.assignments
	m.mappings = append(m.mappings, staged.mappings...)
	m.policies = append(m.policies, staged.policies...)
	return nil
}

type memoryTx struct {
	store       *memoryStore
	roles       map[string]Role
	rolePerms   map[string][]string
	edges       []HierarchyEdge
	assignments []Assignment
	mappings    []EcpRoleMapping
	policies    []Policy
}

func (t *memoryTx) LockPrincipal(context.Context, string) error { return nil }
func (t *memoryTx) LockHierarchy(context.Context) error         { return nil }

func (t *memoryTx) ListEdges(context.Context) ([]HierarchyEdge, error) {
	return append([]HierarchyEdge(nil), t.edges...), nil
}

func (t *memoryTx) ActiveAssignments(_ context.Context, principalID string, now time.Time) ([]Assignment, error) {
	var out []Assignment
	for _, a := range t.assignments {
		if a.PrincipalID == principalID && a.IsActive && !a.Expired(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertRole(_ context.Context, role Role) error {
	for _, r := range t.store.roles {
		if r.Name == role.Name {
			return shared.Conflictf("role %q already exists", role.Name)
		}
	}
	t.roles[role.ID] = role
	return nil
}

func (t *memoryTx) AttachPermissions(_ context.Context, roleID string, ids []string) error {
	t.rolePerms[roleID] = ids
	return nil
}

func (t *memoryTx) InsertEdge(_ context.Context, edge HierarchyEdge) error {
	t.edges = append(t.edges, edge)
	return nil
}

func (t *memoryTx) InsertAssignment(_ context.Context, a Assignment) error {
	if t.store.failInsert != nil {
		return t.store.failInsert
	}
	for _, existing := range t.assignments {
		if existing.IsActive && existing.PrincipalID == a.PrincipalID && existing.Key() == a.Key() {
			return shared.Conflictf("principal %s already holds an active assignment of role %s on this resource", a.PrincipalID, a.RoleID)
		}
	}
	t.assignments = append(t.assignments, a)
	return nil
}

func (t *memoryTx) UpdateAssignment(_ context.Context, id string, conds []catalog.Condition, meta map[string]any) error {
	for i := range t.assignments {
		if t.assignments[i].ID == id {
			t.assignments[i].Conditions = conds
			t.assignments[i].Metadata = meta
			return nil
		}
	}
	return shared.NotFoundf("assignment %s", id)
}

func (t *memoryTx) DeactivateAssignment(_ context.Context, id, by string, at time.Time) error {
	for i := range t.assignments {
		if t.assignments[i].ID == id && t.assignments[i].IsActive {
			t.assignments[i].IsActive = false
			t.assignments[i].DeactivatedAt = &at
			t.assignments[i].DeactivatedBy = by
			return nil
		}
	}
	return shared.NotFoundf("active assignment %s", id)
}

func (t *memoryTx) DeactivateExpired(_ context.Context, tuple Assignment, by string, at time.Time) ([]Assignment, error) {
	var out []Assignment
	for i := range t.assignments {
		a := &t.assignments[i]
		if a.IsActive && a.PrincipalID == tuple.PrincipalID && a.Key() == tuple.Key() && a.Expired(at) {
			a.IsActive = false
			a.DeactivatedAt = &at
			a.DeactivatedBy = by
			out = append(out, *a)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertPolicy(_ context.Context, p Policy) error {
	t.policies = append(t.policies, p)
	return nil
}

func (t *memoryTx) InsertMapping(_ context.Context, m EcpRoleMapping) error {
	t.mappings = append(t.mappings, m)
	return nil
}

func (t *memoryTx) RecordSyncEntry(context.Context, audit.SyncEntry) error { return nil }

type countingCache struct{ bumps int }

func (c *countingCache) Invalidate(context.Context) error {
	c.bumps++
	return nil
}

func newTestService(store *memoryStore, cache CacheInvalidator) *Service {
	seq := 0
	svc := NewService(store, cache, nil).WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	})
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return svc
}

func TestAssignRoleRejectsActiveDuplicate(t *testing.T) {
	store := newMemoryStore()
	store.roles["r-ws"] = Role{ID: "r-ws", Name: "workspace_manager"}
	cache := &countingCache{}
	svc := newTestService(store, cache)
	ws := "w1"

	req := AssignRoleRequest{PrincipalID: "u1", RoleID: "r-ws", ResourceType: "workspace", ResourceID: &ws}
	id, err := svc.AssignRole(context.Background(), req, "admin")
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.Equal(t, 1, cache.bumps)

	_, err = svc.AssignRole(context.Background(), req, "admin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrConflict))
	assert.Len(t, store.assignments, 1)

	other := "w2"
	req.ResourceID = &other
	_, err = svc.AssignRole(context.Background(), req, "admin")
	require.NoError(t, err)
	assert.Len(t, store.assignments, 2)
}

func TestAssignRoleAfterRevokeSucceeds(t *testing.T) {
	store := newMemoryStore()
	store.roles["r1"] = Role{ID: "r1", Name: "viewer"}
	svc := newTestService(store, nil)
	ctx := context.Background()

	id, err := svc.AssignRole(ctx, AssignRoleRequest{PrincipalID: "u1", RoleID: "r1"}, "admin")
	require.NoError(t, err)
	require.NoError(t, svc.RevokeAssignment(ctx, id, "admin"))
	assert.False(t, store.assignments[0].IsActive)
	assert.Equal(t, "admin", store.assignments[0].DeactivatedBy)

	_, err = svc.AssignRole(ctx, AssignRoleRequest{PrincipalID: "u1", RoleID: "r1"}, "admin")
	require.NoError(t, err)

	err = svc.RevokeAssignment(ctx, id, "admin")
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestAssignRoleReplacesExpiredAssignment(t *testing.T) {
	store := newMemoryStore()
	store.roles["r-ws"] = Role{ID: "r-ws", Name: "workspace_manager"}
	ws := "w1"
	lapsed := time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)
	store.assignments = []Assignment{{
		ID: "old", PrincipalID: "u1", RoleID: "r-ws", ResourceType: "workspace", ResourceID: &ws,
		AssignedBy: "admin", ExpiresAt: &lapsed, IsActive: true,
	}}
	svc := newTestService(store, nil)

	id, err := svc.AssignRole(context.Background(), AssignRoleRequest{
		PrincipalID: "u1", RoleID: "r-ws", ResourceType: "workspace", ResourceID: &ws,
	}, "admin-2")
	require.NoError(t, err)
	require.Len(t, store.assignments, 2)
	assert.False(t, store.assignments[0].IsActive)
	assert.Equal(t, "admin-2", store.assignments[0].DeactivatedBy)
	assert.Equal(t, id, store.assignments[1].ID)
	assert.True(t, store.assignments[1].IsActive)
}

func TestAssignRoleValidation(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	_, err := svc.AssignRole(ctx, AssignRoleRequest{RoleID: "r1"}, "admin")
	assert.True(t, errors.Is(err, shared.ErrValidation))

	_, err = svc.AssignRole(ctx, AssignRoleRequest{PrincipalID: "u1", RoleID: "missing"}, "admin")
	assert.True(t, errors.Is(err, shared.ErrNotFound))

	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = svc.AssignRole(ctx, AssignRoleRequest{PrincipalID: "u1", RoleID: "r1", ExpiresAt: &past}, "admin")
	assert.True(t, errors.Is(err, shared.ErrValidation))
}

func TestCreateRoleWithParents(t *testing.T) {
	store := newMemoryStore()
	store.roles["base"] = Role{ID: "base", Name: "base"}
	store.permissions["p1"] = true
	svc := newTestService(store, nil)

	id, err := svc.CreateRole(context.Background(), CreateRoleRequest{
		Name:          " auditor ",
		Type:          RoleTypeCustom,
		PermissionIDs: []string{"p1", "p1"},
		ParentRoleIDs: []string{"base"},
	}, "admin")
	require.NoError(t, err)
	assert.Equal(t, "auditor", store.roles[id].Name)
	assert.Equal(t, []string{"p1"}, store.rolePerms[id])
	require.Len(t, store.edges, 1)
	assert.Equal(t, "base", store.edges[0].ParentRoleID)
	assert.Equal(t, InheritFull, store.edges[0].InheritanceType)

	_, err = svc.CreateRole(context.Background(), CreateRoleRequest{
		Name: "broken", Type: RoleTypeCustom, PermissionIDs: []string{"nope"},
	}, "admin")
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestAddHierarchyEdgeRejectsCycle(t *testing.T) {
	store := newMemoryStore()
	for _, id := range []string{"A", "B", "C"} {
		store.roles[id] = Role{ID: id, Name: id}
	}
	svc := newTestService(store, nil)
	ctx := context.Background()

	_, err := svc.AddHierarchyEdge(ctx, AddHierarchyEdgeRequest{ParentRoleID: "B", ChildRoleID: "A"})
	require.NoError(t, err)
	_, err = svc.AddHierarchyEdge(ctx, AddHierarchyEdgeRequest{ParentRoleID: "C", ChildRoleID: "B"})
	require.NoError(t, err)

	_, err = svc.AddHierarchyEdge(ctx, AddHierarchyEdgeRequest{ParentRoleID: "A", ChildRoleID: "C"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrConflict))
	assert.Len(t, store.edges, 2)
}

func TestCreateMappingAndPolicy(t *testing.T) {
	store := newMemoryStore()
	store.roles["r-ws"] = Role{ID: "r-ws", Name: "workspace_manager"}
	svc := newTestService(store, nil)
	ctx := context.Background()

	_, err := svc.CreateEcpRoleMapping(ctx, CreateMappingRequest{
		ExternalRoleID: "workspace-admin", InternalRoleID: "r-ws", MappingType: MappingExact, Priority: 10,
	}, "admin")
	require.NoError(t, err)
	require.Len(t, store.mappings, 1)
	assert.True(t, store.mappings[0].IsActive)

	_, err = svc.CreateEcpRoleMapping(ctx, CreateMappingRequest{
		ExternalRoleName: "([", InternalRoleID: "r-ws", MappingType: MappingRegex,
	}, "admin")
	assert.True(t, errors.Is(err, shared.ErrValidation))

	_, err = svc.CreateEcpRoleMapping(ctx, CreateMappingRequest{
		ExternalRoleName: "Org Staff", InternalRoleID: "r-ws", MappingType: MappingHierarchy,
	}, "admin")
	assert.True(t, errors.Is(err, shared.ErrValidation))
	_, err = svc.CreateEcpRoleMapping(ctx, CreateMappingRequest{
		ExternalRoleID: "org-staff", InternalRoleID: "r-ws", MappingType: MappingHierarchy,
	}, "admin")
	require.NoError(t, err)
	require.Len(t, store.mappings, 2)

	_, err = svc.CreatePolicy(ctx, CreatePolicyRequest{
		Name: "no-exports", Type: PolicyDeny, TargetActions: []string{"export:*"},
	})
	require.NoError(t, err)
	require.Len(t, store.policies, 1)

	_, err = svc.CreatePolicy(ctx, CreatePolicyRequest{Name: "empty", Type: PolicyAllow})
	assert.True(t, errors.Is(err, shared.ErrValidation))
}
