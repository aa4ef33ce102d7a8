package ecpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists sync run summaries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveResult appends a run summary.
func (r *Repository) SaveResult(ctx context.Context, res SyncResult) error {
	errs, err := json.Marshal(res.Errors)
	if err != nil {
		return fmt.Errorf("ecpsync: encode errors: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO ecp_sync_results (
			id, sync_type, success, principals_processed, assignments_created, assignments_updated,
			assignments_removed, errors, started_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.ID, string(res.Type), res.Success, res.PrincipalsProcessed, res.Created, res.Updated,
		res.Removed, errs, res.StartedAt, res.CompletedAt, res.Duration.Milliseconds(),
	)
	return err
}

// LastSuccessfulCompletion returns when the last successful run of any type
// finished. ok is false when none has.
func (r *Repository) LastSuccessfulCompletion(ctx context.Context) (time.Time, bool, error) {
	var at time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT completed_at FROM ecp_sync_results
		WHERE success AND sync_type IN ('full', 'incremental')
		ORDER BY completed_at DESC
		LIMIT 1`).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// RecentResults lists run summaries newest first.
func (r *Repository) RecentResults(ctx context.Context, limit int) ([]SyncResult, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, sync_type, success, principals_processed, assignments_created, assignments_updated,
		       assignments_removed, errors, started_at, completed_at, duration_ms
		FROM ecp_sync_results
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SyncResult, error) {
		var (
			res  SyncResult
			errs []byte
			ms   int64
		)
		if err := row.Scan(&res.ID, &res.Type, &res.Success, &res.PrincipalsProcessed, &res.Created, &res.Updated,
			&res.Removed, &errs, &res.StartedAt, &res.CompletedAt, &ms); err != nil {
			return SyncResult{}, err
		}
		if len(errs) > 0 {
			if err := json.Unmarshal(errs, &res.Errors); err != nil {
				return SyncResult{}, fmt.Errorf("sync result %s errors: %w", res.ID, err)
			}
		}
		res.Duration = time.Duration(ms) * time.Millisecond
		return res, nil
	})
}
