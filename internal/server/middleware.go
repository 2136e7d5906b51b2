package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/gitulabs/governor/internal/observability/context"
	"github.com/gitulabs/governor/internal/usercontext"
)

// UserRequired binds the verified identity forwarded by the gateway.
// The gateway terminates authentication; an absent header means the
// request never went through it.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-Id"))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := usercontext.WithUserID(c.Request.Context(), userID)
		ctx = obscontext.WithUserID(ctx, userID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) currentUser(c *gin.Context) (string, bool) {
	return usercontext.UserIDFromContext(c.Request.Context())
}
