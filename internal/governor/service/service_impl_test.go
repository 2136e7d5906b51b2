package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gitulabs/governor/internal/clock"
	"github.com/gitulabs/governor/internal/config"
	"github.com/gitulabs/governor/internal/governor/domain"
	limitsdomain "github.com/gitulabs/governor/internal/limits/domain"
	limitsrepository "github.com/gitulabs/governor/internal/limits/repository"
	limitsservice "github.com/gitulabs/governor/internal/limits/service"
	usagedomain "github.com/gitulabs/governor/internal/usage/domain"
	usagerepository "github.com/gitulabs/governor/internal/usage/repository"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	svc    domain.Service
	limits limitsdomain.Service
	clock  *clock.FakeClock
	db     *gorm.DB
}

func newTestEnv(t *testing.T, strict bool) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&usagedomain.UsageRecord{}, &limitsdomain.UsageLimits{}))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	log := zap.NewNop()
	// Tuesday, mid-afternoon.
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))

	usageStore := usagerepository.NewStore(usagerepository.StoreParam{DB: db, Log: log})
	limitsStore := limitsrepository.NewStore(limitsrepository.StoreParam{DB: db, Log: log})
	limitsSvc := limitsservice.NewService(limitsservice.ServiceParam{
		Log:      log,
		Store:    limitsStore,
		Defaults: config.NewStaticGovernorConfigHolder(config.DefaultGovernorConfig()),
		Clock:    fake,
	})

	svc := NewService(ServiceParam{
		Log:    log,
		Cfg:    config.Config{Timezone: "UTC", StrictEnforcement: strict},
		Clock:  fake,
		Node:   node,
		Usage:  usageStore,
		Limits: limitsSvc,
	})

	return &testEnv{svc: svc, limits: limitsSvc, clock: fake, db: db}
}

func (e *testEnv) setLimits(t *testing.T, userID string, daily, perTask, monthly float64, hardStop bool, thresholds []float64) {
	t.Helper()
	_, err := e.limits.Upsert(context.Background(), userID, limitsdomain.UpdateLimitsRequest{
		DailyLimitUSD:   &daily,
		PerTaskLimitUSD: &perTask,
		MonthlyLimitUSD: &monthly,
		HardStop:        &hardStop,
		AlertThresholds: thresholds,
	})
	require.NoError(t, err)
}

func (e *testEnv) record(t *testing.T, userID, platform string, cost float64, tokens int64, at time.Time) {
	t.Helper()
	_, err := e.svc.RecordUsage(context.Background(), userID, domain.RecordUsageRequest{
		Operation:  "chat_completion",
		Model:      "gpt-4o",
		Platform:   platform,
		TokensUsed: tokens,
		CostUSD:    cost,
		Timestamp:  at,
	})
	require.NoError(t, err)
}

func (e *testEnv) ledgerCount(t *testing.T, userID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Model(&usagedomain.UsageRecord{}).Where("user_id = ?", userID).Count(&count).Error)
	return count
}

func TestRecordUsageValidation(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	valid := domain.RecordUsageRequest{
		Operation:  "chat_completion",
		Platform:   "terminal",
		TokensUsed: 100,
		CostUSD:    0.5,
	}

	tests := []struct {
		name    string
		userID  string
		mutate  func(*domain.RecordUsageRequest)
		wantErr error
	}{
		{
			name:    "empty user",
			userID:  " ",
			mutate:  func(r *domain.RecordUsageRequest) {},
			wantErr: domain.ErrInvalidUser,
		},
		{
			name:    "user mismatch",
			userID:  "user-1",
			mutate:  func(r *domain.RecordUsageRequest) { r.UserID = "user-2" },
			wantErr: domain.ErrUserMismatch,
		},
		{
			name:    "negative cost",
			userID:  "user-1",
			mutate:  func(r *domain.RecordUsageRequest) { r.CostUSD = -0.01 },
			wantErr: domain.ErrInvalidCost,
		},
		{
			name:    "negative tokens",
			userID:  "user-1",
			mutate:  func(r *domain.RecordUsageRequest) { r.TokensUsed = -1 },
			wantErr: domain.ErrInvalidTokens,
		},
		{
			name:    "unknown platform",
			userID:  "user-1",
			mutate:  func(r *domain.RecordUsageRequest) { r.Platform = "smoke-signal" },
			wantErr: usagedomain.ErrInvalidPlatform,
		},
		{
			name:    "missing operation",
			userID:  "user-1",
			mutate:  func(r *domain.RecordUsageRequest) { r.Operation = "  " },
			wantErr: usagedomain.ErrMissingRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			record, err := env.svc.RecordUsage(ctx, tt.userID, req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, record)
		})
	}

	assert.Zero(t, env.ledgerCount(t, "user-1"))
}

func TestRecordUsageDefaultsTimestamp(t *testing.T) {
	env := newTestEnv(t, false)

	record, err := env.svc.RecordUsage(context.Background(), "user-1", domain.RecordUsageRequest{
		Operation:  "commit_review",
		Platform:   "web",
		TokensUsed: 42,
		CostUSD:    0.1,
	})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, env.clock.Now(), record.Timestamp)
	assert.NotZero(t, record.ID)
	assert.Equal(t, usagedomain.PlatformWeb, record.Platform)
}

func TestRecordUsageAcceptsZeroCost(t *testing.T) {
	env := newTestEnv(t, false)

	record, err := env.svc.RecordUsage(context.Background(), "user-1", domain.RecordUsageRequest{
		Operation: "cache_hit",
		Platform:  "terminal",
	})
	require.NoError(t, err)
	assert.Zero(t, record.CostUSD)
	assert.Zero(t, record.TokensUsed)
}

func TestGetCurrentUsageEmpty(t *testing.T) {
	env := newTestEnv(t, false)

	stats, err := env.svc.GetCurrentUsage(context.Background(), "ghost", domain.PeriodDay)
	require.NoError(t, err)

	assert.Equal(t, domain.PeriodDay, stats.Period)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), stats.WindowStart)
	assert.Equal(t, env.clock.Now(), stats.WindowEnd)
	assert.Zero(t, stats.TotalCostUSD)
	assert.Zero(t, stats.TotalTokens)
	assert.Zero(t, stats.OperationCount)
	assert.Empty(t, stats.ByPlatform)
}

func TestGetCurrentUsageInvalidPeriod(t *testing.T) {
	env := newTestEnv(t, false)

	_, err := env.svc.GetCurrentUsage(context.Background(), "user-1", domain.Period("fortnight"))
	assert.ErrorIs(t, err, domain.ErrInvalidPeriod)
}

func TestGetCurrentUsageWindowBucketing(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	now := env.clock.Now()

	env.record(t, "user-1", "terminal", 1.0, 100, now.Add(-time.Hour))             // today
	env.record(t, "user-1", "web", 2.0, 200, now.Add(-time.Hour))                  // today
	env.record(t, "user-1", "terminal", 4.0, 400, now.AddDate(0, 0, -3))           // Saturday, before this week
	env.record(t, "user-1", "telegram", 8.0, 800, now.AddDate(0, -1, 0))           // last month
	env.record(t, "other-user", "terminal", 100.0, 1, now.Add(-time.Minute))       // another user
	env.record(t, "user-1", "whatsapp", 16.0, 1600, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) // earlier this month

	day, err := env.svc.GetCurrentUsage(ctx, "user-1", domain.PeriodDay)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, day.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(300), day.TotalTokens)
	assert.Equal(t, int64(2), day.OperationCount)
	assert.InDelta(t, 1.0, day.ByPlatform[usagedomain.PlatformTerminal].CostUSD, 1e-9)
	assert.InDelta(t, 2.0, day.ByPlatform[usagedomain.PlatformWeb].CostUSD, 1e-9)

	week, err := env.svc.GetCurrentUsage(ctx, "user-1", domain.PeriodWeek)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), week.WindowStart)
	assert.InDelta(t, 3.0, week.TotalCostUSD, 1e-9)

	month, err := env.svc.GetCurrentUsage(ctx, "user-1", domain.PeriodMonth)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), month.WindowStart)
	assert.InDelta(t, 23.0, month.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(4), month.OperationCount)
}

func TestCheckBudgetValidation(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	_, err := env.svc.CheckBudget(ctx, "", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidUser)

	_, err = env.svc.CheckBudget(ctx, "user-1", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidProposedCost)
}

func TestCheckBudgetUnlimitedByDefault(t *testing.T) {
	env := newTestEnv(t, false)

	decision, err := env.svc.CheckBudget(context.Background(), "new-user", 10_000)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reason)
	assert.Empty(t, decision.Warnings)
}

func TestCheckBudgetEvaluationOrder(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.setLimits(t, "user-1", 10, 5, 100, true, nil)

	// Per-task fires first even when daily would also be exceeded.
	env.record(t, "user-1", "terminal", 9.5, 100, env.clock.Now().Add(-time.Hour))

	decision, err := env.svc.CheckBudget(ctx, "user-1", 6)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "per-task limit")

	// Within per-task but over daily.
	decision, err = env.svc.CheckBudget(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "daily limit")
}

func TestCheckBudgetMonthlyLimit(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.setLimits(t, "user-1", 1000, 1000, 50, true, nil)

	env.record(t, "user-1", "web", 49, 100, env.clock.Now().AddDate(0, 0, -5))

	decision, err := env.svc.CheckBudget(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "monthly limit")

	decision, err = env.svc.CheckBudget(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckBudgetExactCeilingAllowed(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.setLimits(t, "user-1", 10, 10, 100, true, nil)
	env.record(t, "user-1", "terminal", 4, 0, env.clock.Now().Add(-time.Hour))

	// Landing exactly on the ceiling is still within budget.
	decision, err := env.svc.CheckBudget(ctx, "user-1", 6)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckBudgetAdvisoryCollectsWarnings(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.setLimits(t, "user-1", 10, 5, 20, false, nil)
	env.record(t, "user-1", "terminal", 18, 0, env.clock.Now().Add(-time.Hour))

	decision, err := env.svc.CheckBudget(ctx, "user-1", 6)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reason)
	require.Len(t, decision.Warnings, 3)
	assert.Contains(t, decision.Warnings[0], "per-task limit")
	assert.Contains(t, decision.Warnings[1], "daily limit")
	assert.Contains(t, decision.Warnings[2], "monthly limit")
}

func TestCheckBudgetZeroCeilingMeansUnlimited(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.setLimits(t, "user-1", 0, 0, 0, true, nil)
	env.record(t, "user-1", "terminal", 1_000, 0, env.clock.Now().Add(-time.Hour))

	decision, err := env.svc.CheckBudget(ctx, "user-1", 1_000_000)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckThresholds(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.setLimits(t, "user-1", 10, 0, 100, true, []float64{0.9, 0.5, 0.75})
	env.record(t, "user-1", "terminal", 8, 0, env.clock.Now().Add(-time.Hour))

	alerts, err := env.svc.CheckThresholds(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	assert.Equal(t, domain.PeriodDay, alerts[0].Period)
	assert.InDelta(t, 0.5, alerts[0].Threshold, 1e-9)
	assert.Equal(t, 80, alerts[0].Percentage)
	assert.Equal(t, "Daily usage at 80% of limit ($8.00 of $10.00)", alerts[0].Message)

	assert.InDelta(t, 0.75, alerts[1].Threshold, 1e-9)
	assert.Equal(t, 80, alerts[1].Percentage)
}

func TestCheckThresholdsDayBeforeMonth(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.setLimits(t, "user-1", 10, 0, 20, true, []float64{0.5})
	env.record(t, "user-1", "terminal", 6, 0, env.clock.Now().Add(-time.Hour))
	env.record(t, "user-1", "terminal", 6, 0, env.clock.Now().AddDate(0, 0, -2))

	alerts, err := env.svc.CheckThresholds(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, domain.PeriodDay, alerts[0].Period)
	assert.Equal(t, 60, alerts[0].Percentage)
	assert.Equal(t, domain.PeriodMonth, alerts[1].Period)
	assert.Equal(t, 60, alerts[1].Percentage)
	assert.Equal(t, "Monthly usage at 60% of limit ($12.00 of $20.00)", alerts[1].Message)
}

func TestCheckThresholdsStateless(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.setLimits(t, "user-1", 10, 0, 0, true, []float64{0.5})
	env.record(t, "user-1", "terminal", 6, 0, env.clock.Now().Add(-time.Hour))

	first, err := env.svc.CheckThresholds(ctx, "user-1")
	require.NoError(t, err)
	second, err := env.svc.CheckThresholds(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCheckThresholdsNoLimits(t *testing.T) {
	env := newTestEnv(t, false)

	alerts, err := env.svc.CheckThresholds(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestCheckAndRecordDeniedWritesNothing(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.setLimits(t, "user-1", 10, 0, 0, true, nil)
	env.record(t, "user-1", "terminal", 9, 0, env.clock.Now().Add(-time.Hour))

	decision, record, err := env.svc.CheckAndRecord(ctx, "user-1", domain.RecordUsageRequest{
		Operation: "chat_completion",
		Platform:  "terminal",
		CostUSD:   2,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Nil(t, record)
	assert.Equal(t, int64(1), env.ledgerCount(t, "user-1"))
}

func TestCheckAndRecordAllowedWrites(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	env.setLimits(t, "user-1", 10, 0, 0, true, nil)

	decision, record, err := env.svc.CheckAndRecord(ctx, "user-1", domain.RecordUsageRequest{
		Operation: "chat_completion",
		Platform:  "terminal",
		CostUSD:   2,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	require.NotNil(t, record)
	assert.Equal(t, int64(1), env.ledgerCount(t, "user-1"))
}

func TestCheckAndRecordStrictConcurrency(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	env.setLimits(t, "user-1", 10, 0, 0, true, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, _, err := env.svc.CheckAndRecord(ctx, "user-1", domain.RecordUsageRequest{
				Operation: "chat_completion",
				Platform:  "terminal",
				CostUSD:   1,
			})
			if err != nil {
				return
			}
			mu.Lock()
			if decision.Allowed {
				allowed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.Equal(t, int64(10), env.ledgerCount(t, "user-1"))
}

func TestListUsagePagination(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.record(t, "user-1", "terminal", 1, 10, env.clock.Now())
		env.clock.Advance(time.Minute)
	}

	first, err := env.svc.ListUsage(ctx, usagedomain.ListUsageRequest{UserID: "user-1", PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, first.UsageRecords, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := env.svc.ListUsage(ctx, usagedomain.ListUsageRequest{
		UserID:    "user-1",
		PageSize:  2,
		PageToken: first.NextPageToken,
	})
	require.NoError(t, err)
	assert.Len(t, second.UsageRecords, 1)
	assert.False(t, second.HasMore)
}

func TestStoreFailureMapsToStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	svc := NewService(ServiceParam{
		Log:    zap.NewNop(),
		Cfg:    config.Config{Timezone: "UTC"},
		Clock:  env.clock,
		Node:   mustNode(t),
		Usage:  failingUsageStore{},
		Limits: env.limits,
	})

	env.setLimits(t, "user-1", 10, 0, 0, true, nil)

	_, err := svc.GetCurrentUsage(ctx, "user-1", domain.PeriodDay)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = svc.CheckBudget(ctx, "user-1", 1)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = svc.RecordUsage(ctx, "user-1", domain.RecordUsageRequest{
		Operation: "chat_completion",
		Platform:  "terminal",
	})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	return node
}

type failingUsageStore struct{}

func (failingUsageStore) Append(context.Context, *usagedomain.UsageRecord) error {
	return errors.New("connection refused")
}

func (failingUsageStore) TotalsByPlatform(context.Context, string, time.Time, time.Time) ([]usagedomain.PlatformTotal, error) {
	return nil, errors.New("connection refused")
}

func (failingUsageStore) List(context.Context, usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	return usagedomain.ListUsageResponse{}, fmt.Errorf("connection refused")
}
