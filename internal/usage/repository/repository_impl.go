package repository

import (
	"context"
	"strings"
	"time"

	usagedomain "github.com/gitulabs/governor/internal/usage/domain"
	"github.com/gitulabs/governor/pkg/db/option"
	"github.com/gitulabs/governor/pkg/db/pagination"
	"github.com/gitulabs/governor/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type StoreParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Store struct {
	db   *gorm.DB
	log  *zap.Logger
	repo repository.Repository[usagedomain.UsageRecord]
}

func NewStore(p StoreParam) usagedomain.Store {
	return &Store{
		db:   p.DB,
		log:  p.Log.Named("usage.store"),
		repo: repository.ProvideStore[usagedomain.UsageRecord](p.DB),
	}
}

// Append writes one ledger row. The write either fully commits or
// fails; there is no partial state to clean up.
func (s *Store) Append(ctx context.Context, record *usagedomain.UsageRecord) error {
	if record == nil {
		return usagedomain.ErrMissingRecord
	}
	return s.repo.Create(ctx, record)
}

// TotalsByPlatform aggregates the window [from, to] per platform in a
// single grouped query; overall totals are the sum of the buckets. The
// end is inclusive so a row stamped at the query instant still counts.
func (s *Store) TotalsByPlatform(ctx context.Context, userID string, from, to time.Time) ([]usagedomain.PlatformTotal, error) {
	var totals []usagedomain.PlatformTotal
	err := s.db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Select("platform, COALESCE(SUM(cost_usd), 0) AS cost_usd, COALESCE(SUM(tokens_used), 0) AS tokens, COUNT(*) AS count").
		Where("user_id = ? AND timestamp >= ? AND timestamp <= ?", userID, from, to).
		Group("platform").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Store) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	filter := &usagedomain.UsageRecord{}
	if userID := strings.TrimSpace(req.UserID); userID != "" {
		filter.UserID = userID
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.repo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}
	return buildListResponse(items, pageSize)
}

func buildListResponse(items []*usagedomain.UsageRecord, pageSize int32) (usagedomain.ListUsageResponse, error) {
	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *usagedomain.UsageRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	records := make([]usagedomain.UsageRecord, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	resp := usagedomain.ListUsageResponse{
		UsageRecords: records,
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}

	return resp, nil
}
