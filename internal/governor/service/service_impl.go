package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gitulabs/governor/internal/clock"
	"github.com/gitulabs/governor/internal/config"
	"github.com/gitulabs/governor/internal/governor/domain"
	limitsdomain "github.com/gitulabs/governor/internal/limits/domain"
	"github.com/gitulabs/governor/internal/observability/metrics"
	"github.com/gitulabs/governor/internal/ratelimit"
	usagedomain "github.com/gitulabs/governor/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	Cfg     config.Config
	Clock   clock.Clock
	Node    *snowflake.Node
	Usage   usagedomain.Store
	Limits  limitsdomain.Service
	Metrics *metrics.Metrics         `optional:"true"`
	Keyed   *ratelimit.KeyedMutex    `optional:"true"`
	Limiter *ratelimit.RecordLimiter `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	node    *snowflake.Node
	usage   usagedomain.Store
	limits  limitsdomain.Service
	metrics *metrics.Metrics
	keyed   *ratelimit.KeyedMutex
	limiter *ratelimit.RecordLimiter

	loc    *time.Location
	strict bool
}

func NewService(p ServiceParam) domain.Service {
	loc, err := time.LoadLocation(strings.TrimSpace(p.Cfg.Timezone))
	if err != nil || loc == nil {
		p.Log.Warn("unknown timezone, falling back to UTC",
			zap.String("timezone", p.Cfg.Timezone),
		)
		loc = time.UTC
	}

	keyed := p.Keyed
	if keyed == nil {
		keyed = ratelimit.NewKeyedMutex()
	}

	return &Service{
		log:     p.Log.Named("governor.service"),
		clock:   p.Clock,
		node:    p.Node,
		usage:   p.Usage,
		limits:  p.Limits,
		metrics: p.Metrics,
		keyed:   keyed,
		limiter: p.Limiter,
		loc:     loc,
		strict:  p.Cfg.StrictEnforcement,
	}
}

func (s *Service) RecordUsage(ctx context.Context, userID string, req domain.RecordUsageRequest) (*usagedomain.UsageRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	if body := strings.TrimSpace(req.UserID); body != "" && body != userID {
		return nil, domain.ErrUserMismatch
	}
	if req.CostUSD < 0 {
		return nil, domain.ErrInvalidCost
	}
	if req.TokensUsed < 0 {
		return nil, domain.ErrInvalidTokens
	}
	platform, ok := usagedomain.ParsePlatform(req.Platform)
	if !ok {
		return nil, usagedomain.ErrInvalidPlatform
	}
	operation := strings.TrimSpace(req.Operation)
	if operation == "" {
		return nil, usagedomain.ErrMissingRecord
	}

	now := s.clock.Now()
	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}

	record := &usagedomain.UsageRecord{
		ID:         s.node.Generate(),
		UserID:     userID,
		Operation:  operation,
		Model:      strings.TrimSpace(req.Model),
		Platform:   platform,
		TokensUsed: req.TokensUsed,
		CostUSD:    req.CostUSD,
		Timestamp:  timestamp.UTC(),
		CreatedAt:  now.UTC(),
	}

	if err := s.usage.Append(ctx, record); err != nil {
		return nil, storeErr("append usage record", err)
	}

	s.metrics.RecordUsageWrite(ctx, string(platform), operation, req.CostUSD)
	s.log.Debug("usage recorded",
		zap.String("user_id", userID),
		zap.String("operation", operation),
		zap.String("platform", string(platform)),
		zap.Float64("cost_usd", req.CostUSD),
		zap.Int64("tokens_used", req.TokensUsed),
	)
	return record, nil
}

func (s *Service) GetCurrentUsage(ctx context.Context, userID string, period domain.Period) (domain.UsageStats, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.UsageStats{}, domain.ErrInvalidUser
	}
	if _, ok := domain.ParsePeriod(string(period)); !ok {
		return domain.UsageStats{}, domain.ErrInvalidPeriod
	}

	now := s.clock.Now().In(s.loc)
	start := s.windowStart(now, period)
	return s.aggregate(ctx, userID, period, start, now)
}

func (s *Service) CheckBudget(ctx context.Context, userID string, proposedCostUSD float64) (domain.BudgetDecision, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.BudgetDecision{}, domain.ErrInvalidUser
	}
	if proposedCostUSD < 0 || math.IsNaN(proposedCostUSD) || math.IsInf(proposedCostUSD, 0) {
		return domain.BudgetDecision{}, domain.ErrInvalidProposedCost
	}

	limits, err := s.limits.GetOrDefault(ctx, userID)
	if err != nil {
		return domain.BudgetDecision{}, storeErr("load limits", err)
	}

	decision, err := s.evaluate(ctx, userID, proposedCostUSD, limits)
	if err != nil {
		return domain.BudgetDecision{}, err
	}

	s.metrics.RecordBudgetCheck(ctx, decision.Allowed)
	if !decision.Allowed {
		s.log.Info("budget check denied",
			zap.String("user_id", userID),
			zap.Float64("proposed_cost_usd", proposedCostUSD),
			zap.String("reason", decision.Reason),
		)
	}
	return decision, nil
}

func (s *Service) CheckThresholds(ctx context.Context, userID string) ([]domain.ThresholdAlert, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}

	limits, err := s.limits.GetOrDefault(ctx, userID)
	if err != nil {
		return nil, storeErr("load limits", err)
	}

	thresholds := append([]float64(nil), limits.AlertThresholds...)
	sort.Float64s(thresholds)
	if len(thresholds) == 0 {
		return []domain.ThresholdAlert{}, nil
	}

	now := s.clock.Now().In(s.loc)
	alerts := []domain.ThresholdAlert{}

	if limits.HasDailyLimit() {
		spent, err := s.windowTotal(ctx, userID, s.windowStart(now, domain.PeriodDay), now)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, crossedAlerts(domain.PeriodDay, thresholds, spent, limits.DailyLimitUSD)...)
	}
	if limits.HasMonthlyLimit() {
		spent, err := s.windowTotal(ctx, userID, s.windowStart(now, domain.PeriodMonth), now)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, crossedAlerts(domain.PeriodMonth, thresholds, spent, limits.MonthlyLimitUSD)...)
	}

	for _, period := range []domain.Period{domain.PeriodDay, domain.PeriodMonth} {
		count := 0
		for _, alert := range alerts {
			if alert.Period == period {
				count++
			}
		}
		s.metrics.RecordThresholdAlerts(ctx, string(period), count)
	}
	return alerts, nil
}

func (s *Service) CheckAndRecord(ctx context.Context, userID string, req domain.RecordUsageRequest) (domain.BudgetDecision, *usagedomain.UsageRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.BudgetDecision{}, nil, domain.ErrInvalidUser
	}

	if s.strict {
		s.keyed.Lock(userID)
		defer s.keyed.Unlock(userID)

		if s.limiter.Enabled() {
			token, acquired, err := s.limiter.TryLockUser(ctx, userID)
			if err != nil {
				return domain.BudgetDecision{}, nil, storeErr("acquire charge lock", err)
			}
			if !acquired {
				return domain.BudgetDecision{}, nil, fmt.Errorf("%w: user charge in flight", domain.ErrStoreUnavailable)
			}
			defer func() {
				if err := s.limiter.ReleaseUser(ctx, userID, token); err != nil {
					s.log.Warn("charge lock release failed",
						zap.String("user_id", userID),
						zap.Error(err),
					)
				}
			}()
		}
	}

	decision, err := s.CheckBudget(ctx, userID, req.CostUSD)
	if err != nil {
		return domain.BudgetDecision{}, nil, err
	}
	if !decision.Allowed {
		return decision, nil, nil
	}

	record, err := s.RecordUsage(ctx, userID, req)
	if err != nil {
		return domain.BudgetDecision{}, nil, err
	}
	return decision, record, nil
}

func (s *Service) ListUsage(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return usagedomain.ListUsageResponse{}, domain.ErrInvalidUser
	}

	resp, err := s.usage.List(ctx, req)
	if err != nil {
		return usagedomain.ListUsageResponse{}, storeErr("list usage records", err)
	}
	return resp, nil
}

// evaluate applies the user's ceilings in fixed order: per-task, daily,
// monthly. Under hard stop the first violated ceiling decides; advisory
// ceilings only accumulate warnings.
func (s *Service) evaluate(ctx context.Context, userID string, proposed float64, limits limitsdomain.UsageLimits) (domain.BudgetDecision, error) {
	type check struct {
		label    string
		enforced bool
		exceeded func() (bool, string, error)
	}

	now := s.clock.Now().In(s.loc)
	checks := []check{
		{
			label:    "per_task",
			enforced: limits.HasPerTaskLimit(),
			exceeded: func() (bool, string, error) {
				if proposed <= limits.PerTaskLimitUSD {
					return false, "", nil
				}
				reason := fmt.Sprintf("proposed cost $%.2f exceeds per-task limit of $%.2f",
					proposed, limits.PerTaskLimitUSD)
				return true, reason, nil
			},
		},
		{
			label:    "daily",
			enforced: limits.HasDailyLimit(),
			exceeded: func() (bool, string, error) {
				spent, err := s.windowTotal(ctx, userID, s.windowStart(now, domain.PeriodDay), now)
				if err != nil {
					return false, "", err
				}
				if spent+proposed <= limits.DailyLimitUSD {
					return false, "", nil
				}
				reason := fmt.Sprintf("spend of $%.2f plus proposed $%.2f exceeds daily limit of $%.2f",
					spent, proposed, limits.DailyLimitUSD)
				return true, reason, nil
			},
		},
		{
			label:    "monthly",
			enforced: limits.HasMonthlyLimit(),
			exceeded: func() (bool, string, error) {
				spent, err := s.windowTotal(ctx, userID, s.windowStart(now, domain.PeriodMonth), now)
				if err != nil {
					return false, "", err
				}
				if spent+proposed <= limits.MonthlyLimitUSD {
					return false, "", nil
				}
				reason := fmt.Sprintf("spend of $%.2f plus proposed $%.2f exceeds monthly limit of $%.2f",
					spent, proposed, limits.MonthlyLimitUSD)
				return true, reason, nil
			},
		},
	}

	decision := domain.BudgetDecision{Allowed: true}
	for _, c := range checks {
		if !c.enforced {
			continue
		}
		exceeded, reason, err := c.exceeded()
		if err != nil {
			return domain.BudgetDecision{}, err
		}
		if !exceeded {
			continue
		}
		if limits.HardStop {
			s.metrics.RecordBudgetDenied(ctx, c.label)
			return domain.BudgetDecision{Allowed: false, Reason: reason}, nil
		}
		decision.Warnings = append(decision.Warnings, reason)
	}
	return decision, nil
}

func (s *Service) aggregate(ctx context.Context, userID string, period domain.Period, from, to time.Time) (domain.UsageStats, error) {
	totals, err := s.usage.TotalsByPlatform(ctx, userID, from.UTC(), to.UTC())
	if err != nil {
		return domain.UsageStats{}, storeErr("aggregate usage", err)
	}

	stats := domain.UsageStats{
		Period:      period,
		WindowStart: from.UTC(),
		WindowEnd:   to.UTC(),
		ByPlatform:  map[usagedomain.Platform]domain.PlatformStats{},
	}
	for _, total := range totals {
		stats.TotalCostUSD += total.CostUSD
		stats.TotalTokens += total.Tokens
		stats.OperationCount += total.Count
		stats.ByPlatform[total.Platform] = domain.PlatformStats{
			CostUSD: total.CostUSD,
			Tokens:  total.Tokens,
			Count:   total.Count,
		}
	}
	return stats, nil
}

func (s *Service) windowTotal(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	totals, err := s.usage.TotalsByPlatform(ctx, userID, from.UTC(), to.UTC())
	if err != nil {
		return 0, storeErr("aggregate usage", err)
	}
	spent := 0.0
	for _, total := range totals {
		spent += total.CostUSD
	}
	return spent, nil
}

// windowStart snaps now to the calendar boundary of the period in the
// service timezone. Weeks start on Monday.
func (s *Service) windowStart(now time.Time, period domain.Period) time.Time {
	now = now.In(s.loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	switch period {
	case domain.PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case domain.PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc)
	default:
		return day
	}
}

func crossedAlerts(period domain.Period, thresholds []float64, spent, limit float64) []domain.ThresholdAlert {
	if limit <= 0 {
		return nil
	}
	ratio := spent / limit
	percentage := int(math.Round(ratio * 100))

	label := "Daily"
	if period == domain.PeriodMonth {
		label = "Monthly"
	}

	alerts := make([]domain.ThresholdAlert, 0, len(thresholds))
	for _, threshold := range thresholds {
		if ratio < threshold {
			continue
		}
		alerts = append(alerts, domain.ThresholdAlert{
			Period:     period,
			Threshold:  threshold,
			Percentage: percentage,
			Message: fmt.Sprintf("%s usage at %d%% of limit ($%.2f of $%.2f)",
				label, percentage, spent, limit),
		})
	}
	return alerts
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}
