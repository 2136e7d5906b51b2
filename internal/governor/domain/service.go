// Package domain defines the budget-governance contract: the ledger
// aggregate shapes, budget decisions, and threshold alerts exposed to
// route handlers.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	usagedomain "github.com/gitulabs/governor/internal/usage/domain"
)

// Period is the aggregation window for budget and alert computations,
// anchored to calendar boundaries in the service's reference timezone.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod validates a raw period label.
func ParsePeriod(raw string) (Period, bool) {
	switch Period(strings.ToLower(strings.TrimSpace(raw))) {
	case PeriodDay:
		return PeriodDay, true
	case PeriodWeek:
		return PeriodWeek, true
	case PeriodMonth:
		return PeriodMonth, true
	default:
		return "", false
	}
}

// RecordUsageRequest carries one completed operation to be charged to
// the ledger.
type RecordUsageRequest struct {
	UserID     string    `json:"user_id"`
	Operation  string    `json:"operation"`
	Model      string    `json:"model"`
	Platform   string    `json:"platform"`
	TokensUsed int64     `json:"tokens_used"`
	CostUSD    float64   `json:"cost_usd"`
	Timestamp  time.Time `json:"timestamp"`
}

// PlatformStats is the per-platform slice of a usage aggregate.
type PlatformStats struct {
	CostUSD float64 `json:"cost_usd"`
	Tokens  int64   `json:"tokens"`
	Count   int64   `json:"count"`
}

// UsageStats is the derived aggregate over one window. It is computed
// from the ledger on every call, never cached.
type UsageStats struct {
	Period         Period                                  `json:"period"`
	WindowStart    time.Time                               `json:"window_start"`
	WindowEnd      time.Time                               `json:"window_end"`
	TotalCostUSD   float64                                 `json:"total_cost_usd"`
	TotalTokens    int64                                   `json:"total_tokens"`
	OperationCount int64                                   `json:"operation_count"`
	ByPlatform     map[usagedomain.Platform]PlatformStats `json:"by_platform"`
}

// BudgetDecision is the outcome of a prospective-spend check. A denial
// is a normal outcome, not an error.
type BudgetDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Warnings lists advisory (non hard-stop) ceilings the proposed
	// spend would exceed.
	Warnings []string `json:"warnings,omitempty"`
}

// ThresholdAlert reports one crossed alert threshold.
type ThresholdAlert struct {
	Period     Period  `json:"period"`
	Threshold  float64 `json:"threshold"`
	Percentage int     `json:"percentage"`
	Message    string  `json:"message"`
}

type Service interface {
	// RecordUsage appends one immutable ledger entry. userID must match
	// req.UserID; a mismatch is rejected, never silently corrected.
	RecordUsage(ctx context.Context, userID string, req RecordUsageRequest) (*usagedomain.UsageRecord, error)

	// GetCurrentUsage aggregates the current calendar window. A user
	// with no records gets all-zero stats, never an error.
	GetCurrentUsage(ctx context.Context, userID string, period Period) (UsageStats, error)

	// CheckBudget evaluates a proposed cost against the user's
	// ceilings: per-task first, then daily, then monthly.
	CheckBudget(ctx context.Context, userID string, proposedCostUSD float64) (BudgetDecision, error)

	// CheckThresholds reports every crossed alert threshold for the day
	// and month windows. Stateless: already-crossed thresholds are
	// reported again on each call.
	CheckThresholds(ctx context.Context, userID string) ([]ThresholdAlert, error)

	// CheckAndRecord runs CheckBudget and, when allowed, RecordUsage
	// under a per-user serialization so concurrent charges cannot
	// jointly overshoot a hard limit.
	CheckAndRecord(ctx context.Context, userID string, req RecordUsageRequest) (BudgetDecision, *usagedomain.UsageRecord, error)

	// ListUsage pages through raw ledger rows for reporting.
	ListUsage(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrUserMismatch        = errors.New("user_mismatch")
	ErrInvalidCost         = errors.New("invalid_cost")
	ErrInvalidTokens       = errors.New("invalid_tokens")
	ErrInvalidProposedCost = errors.New("invalid_proposed_cost")
	ErrInvalidPeriod       = errors.New("invalid_period")

	// ErrStoreUnavailable wraps ledger/limits store failures so callers
	// can distinguish infrastructure errors from validation ones.
	ErrStoreUnavailable = errors.New("store_unavailable")
)
