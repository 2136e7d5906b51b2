package repository

import (
	"context"
	"errors"
	"strings"

	limitsdomain "github.com/gitulabs/governor/internal/limits/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StoreParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewStore(p StoreParam) limitsdomain.Store {
	return &Store{
		db:  p.DB,
		log: p.Log.Named("limits.store"),
	}
}

func (s *Store) Get(ctx context.Context, userID string) (*limitsdomain.UsageLimits, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, limitsdomain.ErrInvalidUser
	}

	var limits limitsdomain.UsageLimits
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&limits).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &limits, nil
}

// Upsert writes the full row, replacing any previous values for the
// user. One row per user; concurrent upserts last-write-win.
func (s *Store) Upsert(ctx context.Context, limits *limitsdomain.UsageLimits) error {
	if limits == nil || strings.TrimSpace(limits.UserID) == "" {
		return limitsdomain.ErrInvalidUser
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"daily_limit_usd",
				"per_task_limit_usd",
				"monthly_limit_usd",
				"hard_stop",
				"alert_thresholds",
				"updated_at",
			}),
		}).
		Create(limits).Error
}
