package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-authz/internal/ecp"
	"github.com/odyssey-erp/odyssey-authz/internal/ecpsync"
	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// SyncDeps are the shared handles the synchronizer is built from.
type SyncDeps struct {
	Pool       *pgxpool.Pool
	Redis      redis.UniversalClient
	Repo       *rbac.Repository
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// NewSynchronizer assembles the ECP client, the keyword fallback and the
// run lock into a synchronizer. The API server and the worker share it.
func NewSynchronizer(cfg *Config, deps SyncDeps) (*ecpsync.Synchronizer, *ecp.Client, error) {
	client := ecp.NewClient(ecp.Config{
		BaseURL:       cfg.EcpBaseURL,
		Token:         cfg.EcpAPIToken,
		BulkTimeout:   cfg.EcpBulkTimeout,
		HealthTimeout: cfg.EcpHealthTimeout,
		RetryCount:    cfg.EcpRetryCount,
	}, deps.Logger)

	fallback, err := ecpsync.LoadKeywordStrategy(cfg.EcpDefaultRolesFile, deps.Repo)
	if err != nil {
		return nil, nil, err
	}

	synchronizer := ecpsync.NewSynchronizer(
		client,
		deps.Repo,
		ecpsync.NewRepository(deps.Pool),
		fallback,
		ecpsync.Config{
			SynchronizerID: cfg.EcpSynchronizerID,
			Concurrency:    cfg.EcpSyncConcurrency,
		},
		deps.Logger,
	).WithMetrics(jobmetrics.NewMetrics(deps.Registerer))
	if deps.Redis != nil {
		synchronizer = synchronizer.WithRunLock(ecpsync.NewRedisRunLock(deps.Redis, "ecp", cfg.EcpSyncLockTTL))
	}
	return synchronizer, client, nil
}
