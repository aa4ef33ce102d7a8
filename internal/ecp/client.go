// Package ecp is the HTTP client for the external identity and role source.
package ecp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/odyssey-erp/odyssey-authz/internal/shared"
)

// ExternalRole is one (principal, role) tuple asserted by the external source.
type ExternalRole struct {
	PrincipalID   string    `json:"principal_id"`
	RoleID        string    `json:"role_id"`
	RoleName      string    `json:"role_name"`
	TenantID      string    `json:"tenant_id,omitempty"`
	WorkspaceID   string    `json:"workspace_id,omitempty"`
	ParentRoleIDs []string  `json:"parent_role_ids,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Health is the result of a connection probe.
type Health struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency"`
	Version   string        `json:"version,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type rolesResponse struct {
	Roles []ExternalRole `json:"roles"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Config configures the client.
type Config struct {
	BaseURL       string
	Token         string
	BulkTimeout   time.Duration
	HealthTimeout time.Duration
	RetryCount    int
}

// Client talks to the external source over bearer-authenticated JSON.
type Client struct {
	http          *resty.Client
	bulkTimeout   time.Duration
	healthTimeout time.Duration
	logger        *slog.Logger
}

// NewClient constructs a client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BulkTimeout <= 0 {
		cfg.BulkTimeout = 30 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.BulkTimeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}
	return &Client{
		http:          httpClient,
		bulkTimeout:   cfg.BulkTimeout,
		healthTimeout: cfg.HealthTimeout,
		logger:        logger.With(slog.String("component", "ecp")),
	}
}

// ListAllRoles returns every (principal, role) tuple.
func (c *Client) ListAllRoles(ctx context.Context) ([]ExternalRole, error) {
	return c.fetchRoles(ctx, "/api/v1/roles", nil, "list roles")
}

// ListChangedSince returns tuples for principals changed after since.
func (c *Client) ListChangedSince(ctx context.Context, since time.Time) ([]ExternalRole, error) {
	query := map[string]string{"since": since.UTC().Format(time.RFC3339)}
	return c.fetchRoles(ctx, "/api/v1/roles/changes", query, "list changed roles")
}

// GetPrincipalRoles returns the principal's current roles. An unknown
// principal has no roles.
func (c *Client) GetPrincipalRoles(ctx context.Context, principalID string) ([]ExternalRole, error) {
	if strings.TrimSpace(principalID) == "" {
		return nil, shared.Validationf("principal_id required")
	}
	path := "/api/v1/principals/" + url.PathEscape(principalID) + "/roles"
	roles, err := c.fetchRoles(ctx, path, nil, "principal roles")
	if err != nil {
		return nil, err
	}
	for i := range roles {
		if roles[i].PrincipalID == "" {
			roles[i].PrincipalID = principalID
		}
	}
	return roles, nil
}

func (c *Client) fetchRoles(ctx context.Context, path string, query map[string]string, op string) ([]ExternalRole, error) {
	ctx, cancel := context.WithTimeout(ctx, c.bulkTimeout)
	defer cancel()

	var body rolesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		ForceContentType("application/json").
		SetResult(&body).
		Get(path)
	if err != nil {
		return nil, shared.ExternalSyncf(err, "%s", op)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound && strings.HasPrefix(path, "/api/v1/principals/"):
		return []ExternalRole{}, nil
	case resp.IsError():
		return nil, shared.ExternalSyncf(nil, "%s: status %d", op, resp.StatusCode())
	}
	c.logger.Debug("external roles fetched", slog.String("op", op), slog.Int("count", len(body.Roles)))
	return body.Roles, nil
}

// Health probes the source with the short health timeout.
func (c *Client) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	start := time.Now()
	var body healthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&body).
		Get("/api/v1/health")
	latency := time.Since(start)
	if err != nil {
		return Health{Latency: latency, Error: err.Error()}
	}
	if resp.IsError() {
		return Health{Latency: latency, Error: fmt.Sprintf("status %d", resp.StatusCode())}
	}
	return Health{Connected: true, Latency: latency, Version: body.Version}
}
