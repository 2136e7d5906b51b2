package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gitulabs/governor/internal/config"
	governordomain "github.com/gitulabs/governor/internal/governor/domain"
	limitsdomain "github.com/gitulabs/governor/internal/limits/domain"
	"github.com/gitulabs/governor/internal/observability"
	usagedomain "github.com/gitulabs/governor/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type governorStub struct {
	recordErr   error
	decision    governordomain.BudgetDecision
	decisionErr error
	alerts      []governordomain.ThresholdAlert
	stats       governordomain.UsageStats
}

func (s *governorStub) RecordUsage(ctx context.Context, userID string, req governordomain.RecordUsageRequest) (*usagedomain.UsageRecord, error) {
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	return &usagedomain.UsageRecord{UserID: userID, Operation: req.Operation}, nil
}

func (s *governorStub) GetCurrentUsage(ctx context.Context, userID string, period governordomain.Period) (governordomain.UsageStats, error) {
	return s.stats, nil
}

func (s *governorStub) CheckBudget(ctx context.Context, userID string, proposedCostUSD float64) (governordomain.BudgetDecision, error) {
	if s.decisionErr != nil {
		return governordomain.BudgetDecision{}, s.decisionErr
	}
	return s.decision, nil
}

func (s *governorStub) CheckThresholds(ctx context.Context, userID string) ([]governordomain.ThresholdAlert, error) {
	return s.alerts, nil
}

func (s *governorStub) CheckAndRecord(ctx context.Context, userID string, req governordomain.RecordUsageRequest) (governordomain.BudgetDecision, *usagedomain.UsageRecord, error) {
	if s.decisionErr != nil {
		return governordomain.BudgetDecision{}, nil, s.decisionErr
	}
	if !s.decision.Allowed {
		return s.decision, nil, nil
	}
	return s.decision, &usagedomain.UsageRecord{UserID: userID, Operation: req.Operation}, nil
}

func (s *governorStub) ListUsage(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	return usagedomain.ListUsageResponse{}, nil
}

type limitsStub struct {
	limits limitsdomain.UsageLimits
	err    error
}

func (s *limitsStub) Get(ctx context.Context, userID string) (*limitsdomain.UsageLimits, error) {
	return &s.limits, s.err
}

func (s *limitsStub) GetOrDefault(ctx context.Context, userID string) (limitsdomain.UsageLimits, error) {
	return s.limits, s.err
}

func (s *limitsStub) Upsert(ctx context.Context, userID string, req limitsdomain.UpdateLimitsRequest) (*limitsdomain.UsageLimits, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &s.limits, nil
}

func newTestServer(t *testing.T, governorSvc governordomain.Service, limitsSvc limitsdomain.Service) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := NewEngine(observability.Config{}, nil)
	return NewServer(ServerParams{
		Gin:         engine,
		Cfg:         config.Config{},
		GovernorSvc: governorSvc,
		LimitsSvc:   limitsSvc,
	})
}

func doRequest(srv *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	srv := newTestServer(t, &governorStub{}, &limitsStub{})

	rec := doRequest(srv, http.MethodGet, "/v1/usage/current", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecordUsageCreated(t *testing.T) {
	srv := newTestServer(t, &governorStub{}, &limitsStub{})

	rec := doRequest(srv, http.MethodPost, "/v1/usage", "user-1", map[string]any{
		"operation": "chat_completion",
		"platform":  "terminal",
		"cost_usd":  0.25,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRecordUsageValidationMapsTo400(t *testing.T) {
	srv := newTestServer(t, &governorStub{recordErr: governordomain.ErrUserMismatch}, &limitsStub{})

	rec := doRequest(srv, http.MethodPost, "/v1/usage", "user-1", map[string]any{
		"user_id":   "someone-else",
		"operation": "chat_completion",
		"platform":  "terminal",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error struct {
			Type   string `json:"type"`
			Errors []struct {
				Code string `json:"code"`
			} `json:"errors"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp.Error.Type)
	require.Len(t, resp.Error.Errors, 1)
	assert.Equal(t, "user_mismatch", resp.Error.Errors[0].Code)
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	srv := newTestServer(t, &governorStub{decisionErr: governordomain.ErrStoreUnavailable}, &limitsStub{})

	rec := doRequest(srv, http.MethodPost, "/v1/budget/check", "user-1", map[string]any{
		"proposed_cost_usd": 1.0,
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBudgetDenialIsNotAnError(t *testing.T) {
	srv := newTestServer(t, &governorStub{
		decision: governordomain.BudgetDecision{Allowed: false, Reason: "spend of $9.00 plus proposed $2.00 exceeds daily limit of $10.00"},
	}, &limitsStub{})

	rec := doRequest(srv, http.MethodPost, "/v1/budget/check", "user-1", map[string]any{
		"proposed_cost_usd": 2.0,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var decision governordomain.BudgetDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "daily limit")
}

func TestChargeDeniedReturns200WithoutRecord(t *testing.T) {
	srv := newTestServer(t, &governorStub{
		decision: governordomain.BudgetDecision{Allowed: false, Reason: "spend of $9.00 plus proposed $2.00 exceeds daily limit of $10.00"},
	}, &limitsStub{})

	rec := doRequest(srv, http.MethodPost, "/v1/usage/charge", "user-1", map[string]any{
		"operation": "chat_completion",
		"platform":  "terminal",
		"cost_usd":  2.0,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Decision    governordomain.BudgetDecision `json:"decision"`
		UsageRecord *usagedomain.UsageRecord      `json:"usage_record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Decision.Allowed)
	assert.Nil(t, resp.UsageRecord)
}

func TestChargeAllowedReturns201(t *testing.T) {
	srv := newTestServer(t, &governorStub{
		decision: governordomain.BudgetDecision{Allowed: true},
	}, &limitsStub{})

	rec := doRequest(srv, http.MethodPost, "/v1/usage/charge", "user-1", map[string]any{
		"operation": "chat_completion",
		"platform":  "terminal",
		"cost_usd":  2.0,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestGetCurrentUsageRejectsUnknownPeriod(t *testing.T) {
	srv := newTestServer(t, &governorStub{}, &limitsStub{})

	rec := doRequest(srv, http.MethodGet, "/v1/usage/current?period=fortnight", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateLimitsRoundTrip(t *testing.T) {
	srv := newTestServer(t, &governorStub{}, &limitsStub{
		limits: limitsdomain.UsageLimits{UserID: "user-1", DailyLimitUSD: 10},
	})

	rec := doRequest(srv, http.MethodPut, "/v1/limits", "user-1", map[string]any{
		"daily_limit_usd": 10,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var limits limitsdomain.UsageLimits
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limits))
	assert.Equal(t, 10.0, limits.DailyLimitUSD)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &governorStub{}, &limitsStub{})

	rec := doRequest(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
