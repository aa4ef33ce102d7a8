package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TimelineQuery is the storage-level form of TimelineFilters.
type TimelineQuery struct {
	From        time.Time
	To          time.Time
	PrincipalID string
	Action      string
	Allowed     *bool
	Offset      int
	Limit       int
}

// Repository provides PostgreSQL backed persistence for audit rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordCheck persists a permission check entry.
func (r *Repository) RecordCheck(ctx context.Context, entry CheckEntry) error {
	if r == nil || r.pool == nil {
		return errors.New("audit repository not initialised")
	}
	if entry.PrincipalID == "" || entry.Action == "" {
		return errors.New("audit check requires principal and action")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	contextJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("audit: marshal context: %w", err)
	}
	deniedJSON, err := json.Marshal(entry.DeniedReasons)
	if err != nil {
		return fmt.Errorf("audit: marshal denied reasons: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO permission_audit_logs (
			id, principal_id, resource_type, resource_id, action, allowed, reason,
			matched_permissions, denied_reasons, context, error, processing_time_ms, checked_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, COALESCE($13, NOW()))`,
		entry.ID, entry.PrincipalID, entry.ResourceType, entry.ResourceID, entry.Action, entry.Allowed, entry.Reason,
		entry.MatchedPermissions, deniedJSON, contextJSON, entry.Error, entry.ProcessingTime.Milliseconds(), nullTime(entry.CheckedAt),
	)
	return err
}

// CheckTimeline returns check entries newest first.
func (r *Repository) CheckTimeline(ctx context.Context, q TimelineQuery) ([]CheckEntry, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if !q.From.IsZero() {
		add("checked_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("checked_at < $%d", q.To)
	}
	if q.PrincipalID != "" {
		add("principal_id = $%d", q.PrincipalID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.Allowed != nil {
		add("allowed = $%d", *q.Allowed)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, q.Limit, q.Offset)
	query := fmt.Sprintf(`
		SELECT id, principal_id, resource_type, COALESCE(resource_id, ''), action, allowed, reason,
		       matched_permissions, denied_reasons, context, COALESCE(error, ''), processing_time_ms, checked_at
		FROM permission_audit_logs
		%s
		ORDER BY checked_at DESC, id
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []CheckEntry
	for rows.Next() {
		var (
			e           CheckEntry
			deniedJSON  []byte
			contextJSON []byte
			elapsedMS   int64
		)
		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.ResourceType, &e.ResourceID, &e.Action, &e.Allowed, &e.Reason,
			&e.MatchedPermissions, &deniedJSON, &contextJSON, &e.Error, &elapsedMS, &e.CheckedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(deniedJSON, &e.DeniedReasons)
		_ = json.Unmarshal(contextJSON, &e.Context)
		e.ProcessingTime = time.Duration(elapsedMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SyncEntries lists sync audit rows for a principal, newest first.
func (r *Repository) SyncEntries(ctx context.Context, principalID string, limit int) ([]SyncEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, principal_id, COALESCE(assignment_id, ''), role_id, resource_type, resource_id,
		       event, COALESCE(reason, ''), details, occurred_at
		FROM ecp_sync_logs
		WHERE principal_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, principalID, limit)
	if err != nil {
		return nil, err
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SyncEntry, error) {
		var (
			e       SyncEntry
			details []byte
		)
		if err := row.Scan(&e.ID, &e.PrincipalID, &e.AssignmentID, &e.RoleID, &e.ResourceType, &e.ResourceID,
			&e.Event, &e.Reason, &details, &e.OccurredAt); err != nil {
			return SyncEntry{}, err
		}
		_ = json.Unmarshal(details, &e.Details)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// InsertSyncEntry appends a sync audit row using the caller's transaction.
func InsertSyncEntry(ctx context.Context, db Execer, entry SyncEntry) error {
	if entry.PrincipalID == "" || entry.Event == "" {
		return errors.New("audit sync entry requires principal and event")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO ecp_sync_logs (
			id, principal_id, assignment_id, role_id, resource_type, resource_id, event, reason, details, occurred_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''), $9, COALESCE($10, NOW()))`,
		entry.ID, entry.PrincipalID, entry.AssignmentID, entry.RoleID, entry.ResourceType, entry.ResourceID,
		string(entry.Event), entry.Reason, details, nullTime(entry.OccurredAt),
	)
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
