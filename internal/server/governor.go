package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	governordomain "github.com/gitulabs/governor/internal/governor/domain"
	usagedomain "github.com/gitulabs/governor/internal/usage/domain"
)

type checkBudgetRequest struct {
	ProposedCostUSD float64 `json:"proposed_cost_usd"`
}

type chargeUsageResponse struct {
	Decision    governordomain.BudgetDecision `json:"decision"`
	UsageRecord *usagedomain.UsageRecord      `json:"usage_record,omitempty"`
}

func (s *Server) CheckBudget(c *gin.Context) {
	userID, ok := s.currentUser(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req checkBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	decision, err := s.governorSvc.CheckBudget(c.Request.Context(), userID, req.ProposedCostUSD)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// A denial is a valid answer, not an HTTP error.
	c.JSON(http.StatusOK, decision)
}

func (s *Server) ChargeUsage(c *gin.Context) {
	userID, ok := s.currentUser(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req governordomain.RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if operation := strings.TrimSpace(req.Operation); operation != "" {
		c.Set("operation", operation)
	}

	decision, record, err := s.governorSvc.CheckAndRecord(c.Request.Context(), userID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if !decision.Allowed {
		status = http.StatusOK
	}
	c.JSON(status, chargeUsageResponse{Decision: decision, UsageRecord: record})
}

func (s *Server) ListThresholdAlerts(c *gin.Context) {
	userID, ok := s.currentUser(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	alerts, err := s.governorSvc.CheckThresholds(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}
