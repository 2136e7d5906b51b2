package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gitulabs/governor/internal/observability/logger"
	"github.com/gitulabs/governor/internal/usercontext"
	"go.uber.org/zap"
)

const rateLimitReasonUserRate = "user-rate"

// RecordRateLimit throttles ledger writes per user before any
// validation or storage work happens.
func (s *Server) RecordRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID, ok := usercontext.UserIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		result, err := s.limiter.AllowUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("record rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrInternal)
			return
		}
		if !result.Allowed {
			logger.FromContext(ctx).Warn("record rate limit exceeded",
				zap.String("reason", rateLimitReasonUserRate),
				zap.String("endpoint", endpoint),
			)
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, rateLimitReasonUserRate)
			}
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-Rate-Limited-Reason", rateLimitReasonUserRate)
			AbortWithError(c, ErrRateLimited)
			return
		}

		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
		}
		c.Next()
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
