package audit

import (
	"context"
	"fmt"
	"strings"
)

// RepositoryPort provides the queries the timeline needs.
type RepositoryPort interface {
	CheckTimeline(ctx context.Context, q TimelineQuery) ([]CheckEntry, error)
	SyncEntries(ctx context.Context, principalID string, limit int) ([]SyncEntry, error)
}

// Service pages through recorded permission checks.
type Service struct {
	repo RepositoryPort
}

// NewService builds a timeline service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of check entries.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.CheckTimeline(ctx, TimelineQuery{
		From:        filters.From,
		To:          filters.To,
		PrincipalID: strings.TrimSpace(filters.PrincipalID),
		Action:      strings.TrimSpace(filters.Action),
		Allowed:     filters.Allowed,
		Offset:      (page - 1) * pageSize,
		Limit:       pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// SyncHistory lists the sync-driven assignment changes for one principal.
func (s *Service) SyncHistory(ctx context.Context, principalID string, limit int) ([]SyncEntry, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, fmt.Errorf("audit: principal required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.SyncEntries(ctx, principalID, limit)
}
