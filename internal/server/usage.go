package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	governordomain "github.com/gitulabs/governor/internal/governor/domain"
	usagedomain "github.com/gitulabs/governor/internal/usage/domain"
)

func (s *Server) RecordUsage(c *gin.Context) {
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

	record, err := s.governorSvc.RecordUsage(c.Request.Context(), userID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (s *Server) ListUsage(c *gin.Context) {
	userID, ok := s.currentUser(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req usagedomain.ListUsageRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = userID

	resp, err := s.governorSvc.ListUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetCurrentUsage(c *gin.Context) {
	userID, ok := s.currentUser(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	raw := c.DefaultQuery("period", string(governordomain.PeriodDay))
	period, ok := governordomain.ParsePeriod(raw)
	if !ok {
		AbortWithError(c, governordomain.ErrInvalidPeriod)
		return
	}

	stats, err := s.governorSvc.GetCurrentUsage(c.Request.Context(), userID, period)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
