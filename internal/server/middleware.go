package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
)

const (
	HeaderCronSecret     = "X-Cron-Secret"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRequestID      = "X-Request-Id"

	contextUserIDKey   = "user_id"
	contextAuthTypeKey = "auth_type"

	authTypeSession = "session"
	authTypeAPIKey  = "api_key"
)

// SessionRequired resolves the signed-in user from the bearer token or session cookie.
func (s *Server) SessionRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := s.sessions.ReadToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		session, err := s.authsvc.Authenticate(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		setCaller(c, session.UserID, authTypeSession)
		c.Next()
	}
}

// CronRequired guards internal trigger routes with the shared cron secret.
func (s *Server) CronRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := strings.TrimSpace(c.GetHeader(HeaderCronSecret))
		if provided == "" {
			provided = strings.TrimSpace(c.Query("secret"))
		}
		if err := s.cronGuard.Verify(provided); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func setCaller(c *gin.Context, userID, authType string) {
	c.Set(contextUserIDKey, userID)
	c.Set(contextAuthTypeKey, authType)
	c.Request = c.Request.WithContext(obscontext.WithUser(c.Request.Context(), userID, authType))
}

func callerUserID(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.GetString(contextUserIDKey))
	return userID, userID != ""
}

// chargeRequestID returns the client supplied idempotency key for a billable call.
func chargeRequestID(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); key != "" {
		return key
	}
	return strings.TrimSpace(c.GetHeader(HeaderRequestID))
}
