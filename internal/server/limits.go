package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	limitsdomain "github.com/gitulabs/governor/internal/limits/domain"
)

func (s *Server) GetLimits(c *gin.Context) {
	userID, ok := s.currentUser(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	limits, err := s.limitsSvc.GetOrDefault(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, limits)
}

func (s *Server) UpdateLimits(c *gin.Context) {
	userID, ok := s.currentUser(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req limitsdomain.UpdateLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	limits, err := s.limitsSvc.Upsert(c.Request.Context(), userID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, limits)
}
