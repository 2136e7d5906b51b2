package domain

import (
	"context"
	"errors"
)

// UpdateLimitsRequest carries a partial upsert: nil fields keep the
// stored (or default) value.
type UpdateLimitsRequest struct {
	DailyLimitUSD   *float64  `json:"daily_limit_usd"`
	PerTaskLimitUSD *float64  `json:"per_task_limit_usd"`
	MonthlyLimitUSD *float64  `json:"monthly_limit_usd"`
	HardStop        *bool     `json:"hard_stop"`
	AlertThresholds []float64 `json:"alert_thresholds"`
}

type Service interface {
	// Get returns the stored limits row, or nil when the user has none.
	Get(ctx context.Context, userID string) (*UsageLimits, error)
	// GetOrDefault returns the stored row, falling back to operator
	// defaults for unconfigured users. The fallback is never persisted.
	GetOrDefault(ctx context.Context, userID string) (UsageLimits, error)
	Upsert(ctx context.Context, userID string, req UpdateLimitsRequest) (*UsageLimits, error)
}

// Store is the limits persistence collaborator.
type Store interface {
	Get(ctx context.Context, userID string) (*UsageLimits, error)
	Upsert(ctx context.Context, limits *UsageLimits) error
}

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidLimit     = errors.New("invalid_limit")
	ErrInvalidThreshold = errors.New("invalid_threshold")
)
