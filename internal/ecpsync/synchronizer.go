package ecpsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-authz/internal/audit"
	"github.com/odyssey-erp/odyssey-authz/internal/ecp"
	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// DefaultSynchronizerID is the assigned_by identity reserved for sync writes.
const DefaultSynchronizerID = "ecp-synchronizer"

const incrementalLookback = 24 * time.Hour

// Source is the external role source.
type Source interface {
	ListAllRoles(ctx context.Context) ([]ecp.ExternalRole, error)
	ListChangedSince(ctx context.Context, since time.Time) ([]ecp.ExternalRole, error)
	GetPrincipalRoles(ctx context.Context, principalID string) ([]ecp.ExternalRole, error)
	Health(ctx context.Context) ecp.Health
}

// Store is the assignment store the synchronizer reconciles.
type Store interface {
	ActiveMappings(ctx context.Context) ([]rbac.EcpRoleMapping, error)
	SyncedPrincipals(ctx context.Context, assignedBy string) ([]string, error)
	WithTx(ctx context.Context, fn func(context.Context, rbac.TxRepository) error) error
}

// ResultStore persists run summaries and yields the incremental watermark.
type ResultStore interface {
	SaveResult(ctx context.Context, res SyncResult) error
	LastSuccessfulCompletion(ctx context.Context) (time.Time, bool, error)
	RecentResults(ctx context.Context, limit int) ([]SyncResult, error)
}

// Config tunes the synchronizer.
type Config struct {
	SynchronizerID string
	SourceName     string
	Concurrency    int
}

// Synchronizer converges local assignments onto the external source.
type Synchronizer struct {
	source   Source
	store    Store
	results  ResultStore
	fallback DefaultRoleStrategy
	lock     RunLock
	metrics  *jobmetrics.Metrics
	logger   *slog.Logger
	clock    func() time.Time
	newID    func() string

	id          string
	sourceName  string
	concurrency int
	running     atomic.Bool
}

// NewSynchronizer constructs a synchronizer. fallback may be nil.
func NewSynchronizer(source Source, store Store, results ResultStore, fallback DefaultRoleStrategy, cfg Config, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SynchronizerID == "" {
		cfg.SynchronizerID = DefaultSynchronizerID
	}
	if cfg.SourceName == "" {
		cfg.SourceName = "ecp"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Synchronizer{
		source:      source,
		store:       store,
		results:     results,
		fallback:    fallback,
		logger:      logger.With(slog.String("component", "ecpsync")),
		clock:       time.Now,
		newID:       uuid.NewString,
		id:          cfg.SynchronizerID,
		sourceName:  cfg.SourceName,
		concurrency: cfg.Concurrency,
	}
}

// WithRunLock adds a cross-process run lock.
func (s *Synchronizer) WithRunLock(lock RunLock) *Synchronizer {
	s.lock = lock
	return s
}

// WithMetrics records runs on the job tracker.
func (s *Synchronizer) WithMetrics(metrics *jobmetrics.Metrics) *Synchronizer {
	s.metrics = metrics
	return s
}

// WithClock overrides the clock, mainly for tests.
func (s *Synchronizer) WithClock(clock func() time.Time) *Synchronizer {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// ID returns the reserved synchronizer identity.
func (s *Synchronizer) ID() string {
	return s.id
}

// Running reports whether a run is in flight in this process.
func (s *Synchronizer) Running() bool {
	return s.running.Load()
}

// ============================================================================
// ENTRY POINTS
// ============================================================================

// PerformFullSync reconciles every principal the source knows about, then
// revokes sync assignments of principals the source no longer lists.
func (s *Synchronizer) PerformFullSync(ctx context.Context) (SyncResult, error) {
	return s.run(ctx, SyncFull, func(ctx context.Context) (principalBatch, error) {
		roles, err := s.source.ListAllRoles(ctx)
		if err != nil {
			return principalBatch{}, err
		}
		groups := lo.GroupBy(roles, func(r ecp.ExternalRole) string { return r.PrincipalID })
		delete(groups, "")
		return principalBatch{
			ids: sortedKeys(groups),
			load: func(_ context.Context, principalID string) ([]ecp.ExternalRole, error) {
				return groups[principalID], nil
			},
			present: groups,
		}, nil
	})
}

// PerformIncrementalSync reconciles principals changed since the last
// successful run, re-reading each one's complete role set.
func (s *Synchronizer) PerformIncrementalSync(ctx context.Context) (SyncResult, error) {
	return s.run(ctx, SyncIncremental, func(ctx context.Context) (principalBatch, error) {
		since, err := s.watermark(ctx)
		if err != nil {
			return principalBatch{}, err
		}
		changed, err := s.source.ListChangedSince(ctx, since)
		if err != nil {
			return principalBatch{}, err
		}
		ids := lo.Uniq(lo.FilterMap(changed, func(r ecp.ExternalRole, _ int) (string, bool) {
			return r.PrincipalID, r.PrincipalID != ""
		}))
		sort.Strings(ids)
		return principalBatch{ids: ids, load: s.source.GetPrincipalRoles}, nil
	})
}

// SyncPrincipal reconciles one principal synchronously. It does not record a
// run summary or move the watermark.
func (s *Synchronizer) SyncPrincipal(ctx context.Context, principalID string) (PrincipalResult, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return PrincipalResult{}, shared.Validationf("principal_id required")
	}
	mapper, err := s.mapper(ctx)
	if err != nil {
		return PrincipalResult{}, err
	}
	roles, err := s.source.GetPrincipalRoles(ctx, principalID)
	if err != nil {
		return PrincipalResult{}, err
	}
	return s.reconcile(ctx, mapper, principalID, roles)
}

// CheckConnection probes the external source.
func (s *Synchronizer) CheckConnection(ctx context.Context) ecp.Health {
	return s.source.Health(ctx)
}

// History returns recent run summaries.
func (s *Synchronizer) History(ctx context.Context, limit int) ([]SyncResult, error) {
	return s.results.RecentResults(ctx, limit)
}

// ============================================================================
// RUN
// ============================================================================

type principalBatch struct {
	ids     []string
	load    func(ctx context.Context, principalID string) ([]ecp.ExternalRole, error)
	present map[string][]ecp.ExternalRole
}

func (s *Synchronizer) run(ctx context.Context, typ SyncType, fetch func(context.Context) (principalBatch, error)) (SyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SyncResult{}, ErrSyncInProgress
	}
	defer s.running.Store(false)

	if s.lock != nil {
		release, ok, err := s.lock.Acquire(ctx)
		switch {
		case err != nil:
			s.logger.Warn("sync run lock unavailable, relying on in-process guard", slog.Any("error", err))
		case !ok:
			return SyncResult{}, ErrSyncInProgress
		default:
			defer release()
		}
	}

	tracker := s.metrics.Track("ecp_sync_" + string(typ))
	res := SyncResult{ID: s.newID(), Type: typ, StartedAt: s.clock(), Errors: []string{}}
	logger := s.logger.With(slog.String("sync_id", res.ID), slog.String("sync_type", string(typ)))
	logger.Info("sync started")

	runErr := s.execute(ctx, typ, fetch, &res)
	res.Success = runErr == nil
	if runErr != nil {
		res.Errors = append(res.Errors, runErr.Error())
	}
	res.CompletedAt = s.clock()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)

	if err := s.results.SaveResult(context.WithoutCancel(ctx), res); err != nil {
		logger.Error("save sync result", slog.Any("error", err))
	}
	s.metrics.AddAssignmentChanges("created", res.Created)
	s.metrics.AddAssignmentChanges("updated", res.Updated)
	s.metrics.AddAssignmentChanges("removed", res.Removed)
	_ = tracker.End(runErr)

	attrs := []any{
		slog.Bool("success", res.Success),
		slog.Int("principals", res.PrincipalsProcessed),
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("removed", res.Removed),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("duration", res.Duration),
	}
	if runErr != nil {
		logger.Error("sync failed", append(attrs, slog.Any("error", runErr))...)
	} else {
		logger.Info("sync completed", attrs...)
	}
	return res, nil
}

// execute returns an error only for run-level failures; per-principal errors
// land in res.Errors.
func (s *Synchronizer) execute(ctx context.Context, typ SyncType, fetch func(context.Context) (principalBatch, error), res *SyncResult) error {
	mapper, err := s.mapper(ctx)
	if err != nil {
		return err
	}
	batch, err := fetch(ctx)
	if err != nil {
		return err
	}
	s.reconcileAll(ctx, mapper, batch.ids, batch.load, res)

	if typ != SyncFull {
		return nil
	}
	synced, err := s.store.SyncedPrincipals(ctx, s.id)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("cleanup: %v", err))
		return nil
	}
	absent := lo.Filter(synced, func(id string, _ int) bool {
		_, ok := batch.present[id]
		return !ok
	})
	if len(absent) > 0 {
		s.logger.Info("revoking assignments of principals absent upstream", slog.Int("count", len(absent)))
		s.reconcileAll(ctx, mapper, absent, func(context.Context, string) ([]ecp.ExternalRole, error) {
			return nil, nil
		}, res)
	}
	return nil
}

func (s *Synchronizer) reconcileAll(ctx context.Context, mapper *Mapper, ids []string, load func(context.Context, string) ([]ecp.ExternalRole, error), res *SyncResult) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, principalID := range ids {
		principalID := principalID
		g.Go(func() error {
			pr, err := s.reconcileLoaded(ctx, mapper, principalID, load)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("principal %s: %v", principalID, err))
				s.logger.Warn("principal sync failed", slog.String("principal_id", principalID), slog.Any("error", err))
				return nil
			}
			res.add(pr)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Synchronizer) reconcileLoaded(ctx context.Context, mapper *Mapper, principalID string, load func(context.Context, string) ([]ecp.ExternalRole, error)) (pr PrincipalResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = shared.Internalf(fmt.Errorf("panic: %v", r), "sync principal %s", principalID)
		}
	}()
	roles, err := load(ctx, principalID)
	if err != nil {
		return PrincipalResult{}, err
	}
	return s.reconcile(ctx, mapper, principalID, roles)
}

// ============================================================================
// PER-PRINCIPAL ROUTINE
// ============================================================================

// reconcile applies the diff for one principal inside a single transaction.
func (s *Synchronizer) reconcile(ctx context.Context, mapper *Mapper, principalID string, roles []ecp.ExternalRole) (PrincipalResult, error) {
	desired, err := mapper.Resolve(ctx, roles)
	if err != nil {
		return PrincipalResult{}, err
	}
	result := PrincipalResult{PrincipalID: principalID}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx rbac.TxRepository) error {
		if err := tx.LockPrincipal(ctx, principalID); err != nil {
			return err
		}
		now := s.clock()
		current, err := tx.ActiveAssignments(ctx, principalID, now)
		if err != nil {
			return err
		}
		plan := Diff(current, desired, s.id)
		for _, d := range plan.Create {
			a := rbac.Assignment{
				ID:           s.newID(),
				PrincipalID:  principalID,
				RoleID:       d.RoleID,
				ResourceType: d.ResourceType,
				ResourceID:   d.ResourceID,
				AssignedBy:   s.id,
				AssignedAt:   now,
				IsActive:     true,
				Conditions:   d.Conditions,
				Metadata:     d.Metadata,
			}
			if err := s.clearExpired(ctx, tx, a, now); err != nil {
				return fmt.Errorf("assign %s: %w", d.RoleID, err)
			}
			if err := tx.InsertAssignment(ctx, a); err != nil {
				return fmt.Errorf("assign %s: %w", d.RoleID, err)
			}
			if err := tx.RecordSyncEntry(ctx, s.entry(a, audit.EventRoleAssigned, "", d.Metadata, now)); err != nil {
				return err
			}
		}
		for _, u := range plan.Update {
			if err := tx.UpdateAssignment(ctx, u.Current.ID, u.Desired.Conditions, u.Desired.Metadata); err != nil {
				return fmt.Errorf("update %s: %w", u.Current.ID, err)
			}
			details := map[string]any{
				"previous_fingerprint": u.Current.Metadata[fingerprintKey],
				"fingerprint":          u.Desired.Fingerprint(),
			}
			if err := tx.RecordSyncEntry(ctx, s.entry(u.Current, audit.EventRoleUpdated, "", details, now)); err != nil {
				return err
			}
		}
		for _, a := range plan.Deactivate {
			if err := tx.DeactivateAssignment(ctx, a.ID, s.id, now); err != nil {
				return fmt.Errorf("revoke %s: %w", a.ID, err)
			}
			details := map[string]any{"source": s.sourceName}
			if err := tx.RecordSyncEntry(ctx, s.entry(a, audit.EventRoleRevoked, audit.ReasonRemovedFromEcp, details, now)); err != nil {
				return err
			}
		}
		result.Created = len(plan.Create)
		result.Updated = len(plan.Update)
		result.Removed = len(plan.Deactivate)
		return nil
	})
	if err != nil {
		return PrincipalResult{}, err
	}
	return result, nil
}

// clearExpired frees the tuple of a planned grant from lapsed rows that still
// hold the active unique index. Lapsed sync rows get a revoke audit entry.
func (s *Synchronizer) clearExpired(ctx context.Context, tx rbac.TxRepository, a rbac.Assignment, now time.Time) error {
	lapsed, err := tx.DeactivateExpired(ctx, a, s.id, now)
	if err != nil {
		return err
	}
	for _, l := range lapsed {
		if l.AssignedBy != s.id {
			continue
		}
		details := map[string]any{"expires_at": l.ExpiresAt, "source": s.sourceName}
		if err := tx.RecordSyncEntry(ctx, s.entry(l, audit.EventRoleRevoked, audit.ReasonExpired, details, now)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) entry(a rbac.Assignment, event audit.SyncEvent, reason string, details map[string]any, at time.Time) audit.SyncEntry {
	return audit.SyncEntry{
		ID:           s.newID(),
		PrincipalID:  a.PrincipalID,
		AssignmentID: a.ID,
		RoleID:       a.RoleID,
		ResourceType: a.ResourceType,
		ResourceID:   a.ResourceID,
		Event:        event,
		Reason:       reason,
		Details:      details,
		OccurredAt:   at,
	}
}

func (s *Synchronizer) mapper(ctx context.Context) (*Mapper, error) {
	mappings, err := s.store.ActiveMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	mapper, errs := NewMapper(mappings, s.fallback, s.sourceName)
	if len(errs) > 0 {
		s.logger.Warn("skipping invalid role mappings", slog.Any("error", errors.Join(errs...)))
	}
	return mapper, nil
}

func (s *Synchronizer) watermark(ctx context.Context) (time.Time, error) {
	last, ok, err := s.results.LastSuccessfulCompletion(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("load watermark: %w", err)
	}
	if !ok {
		return s.clock().Add(-incrementalLookback), nil
	}
	return last, nil
}

func sortedKeys(m map[string][]ecp.ExternalRole) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
