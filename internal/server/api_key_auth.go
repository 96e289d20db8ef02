package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/auth/session"
)

const contextAPIKeyIDKey = "api_key_id"

// APIKeyRequired authenticates requests using an API key only. The user is
// derived solely from the api_keys table.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := session.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			token = strings.TrimSpace(c.GetHeader("X-API-Key"))
		}
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		identity, err := s.apiKeySvc.Authenticate(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextAPIKeyIDKey, identity.KeyID)
		setCaller(c, identity.UserID, authTypeAPIKey)
		c.Next()
	}
}
