package domain

import (
	"context"
	"errors"
	"time"

	"github.com/gitulabs/governor/pkg/db/pagination"
)

// PlatformTotal is one aggregation bucket of a window query.
type PlatformTotal struct {
	Platform Platform `json:"platform"`
	CostUSD  float64  `json:"cost_usd"`
	Tokens   int64    `json:"tokens"`
	Count    int64    `json:"count"`
}

type ListUsageRequest struct {
	UserID    string `form:"user_id"`
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageRecords []UsageRecord `json:"usage_records"`
}

// Store is the append-only ledger collaborator. Deleting rows is an
// administrative action outside this interface.
type Store interface {
	Append(ctx context.Context, record *UsageRecord) error
	TotalsByPlatform(ctx context.Context, userID string, from, to time.Time) ([]PlatformTotal, error)
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}

var (
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidPlatform = errors.New("invalid_platform")
	ErrMissingRecord   = errors.New("missing_record")
)
