package service

import (
	"context"
	"sort"
	"strings"

	"github.com/gitulabs/governor/internal/clock"
	"github.com/gitulabs/governor/internal/config"
	limitsdomain "github.com/gitulabs/governor/internal/limits/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	Store    limitsdomain.Store
	Defaults *config.GovernorConfigHolder
	Clock    clock.Clock
}

type Service struct {
	log      *zap.Logger
	store    limitsdomain.Store
	defaults *config.GovernorConfigHolder
	clock    clock.Clock
}

func NewService(p ServiceParam) limitsdomain.Service {
	return &Service{
		log:      p.Log.Named("limits.service"),
		store:    p.Store,
		defaults: p.Defaults,
		clock:    p.Clock,
	}
}

func (s *Service) Get(ctx context.Context, userID string) (*limitsdomain.UsageLimits, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, limitsdomain.ErrInvalidUser
	}
	return s.store.Get(ctx, userID)
}

func (s *Service) GetOrDefault(ctx context.Context, userID string) (limitsdomain.UsageLimits, error) {
	stored, err := s.Get(ctx, userID)
	if err != nil {
		return limitsdomain.UsageLimits{}, err
	}
	if stored != nil {
		return *stored, nil
	}
	return s.defaultLimits(userID), nil
}

func (s *Service) Upsert(ctx context.Context, userID string, req limitsdomain.UpdateLimitsRequest) (*limitsdomain.UsageLimits, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, limitsdomain.ErrInvalidUser
	}
	if err := validateUpdate(req); err != nil {
		return nil, err
	}

	current, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	limits := s.defaultLimits(userID)
	if current != nil {
		limits = *current
	} else {
		limits.CreatedAt = now
	}
	limits.UpdatedAt = now

	if req.DailyLimitUSD != nil {
		limits.DailyLimitUSD = *req.DailyLimitUSD
	}
	if req.PerTaskLimitUSD != nil {
		limits.PerTaskLimitUSD = *req.PerTaskLimitUSD
	}
	if req.MonthlyLimitUSD != nil {
		limits.MonthlyLimitUSD = *req.MonthlyLimitUSD
	}
	if req.HardStop != nil {
		limits.HardStop = *req.HardStop
	}
	if req.AlertThresholds != nil {
		thresholds := append([]float64(nil), req.AlertThresholds...)
		sort.Float64s(thresholds)
		limits.AlertThresholds = datatypes.NewJSONSlice(thresholds)
	}

	if err := s.store.Upsert(ctx, &limits); err != nil {
		return nil, err
	}

	s.log.Info("limits upserted",
		zap.String("user_id", userID),
		zap.Bool("hard_stop", limits.HardStop),
	)
	return &limits, nil
}

func (s *Service) defaultLimits(userID string) limitsdomain.UsageLimits {
	defaults := s.defaults.Get()
	return limitsdomain.UsageLimits{
		UserID:          userID,
		DailyLimitUSD:   defaults.DefaultDailyLimitUSD,
		PerTaskLimitUSD: defaults.DefaultPerTaskLimitUSD,
		MonthlyLimitUSD: defaults.DefaultMonthlyLimitUSD,
		HardStop:        defaults.DefaultHardStop,
		AlertThresholds: datatypes.NewJSONSlice(append([]float64(nil), defaults.DefaultAlertThresholds...)),
	}
}

func validateUpdate(req limitsdomain.UpdateLimitsRequest) error {
	for _, limit := range []*float64{req.DailyLimitUSD, req.PerTaskLimitUSD, req.MonthlyLimitUSD} {
		if limit != nil && *limit < 0 {
			return limitsdomain.ErrInvalidLimit
		}
	}
	// Thresholds are fractions of a limit; 0 would fire always and
	// anything above 1 would fire after the ceiling is already gone.
	for _, threshold := range req.AlertThresholds {
		if threshold <= 0 || threshold > 1 {
			return limitsdomain.ErrInvalidThreshold
		}
	}
	return nil
}
