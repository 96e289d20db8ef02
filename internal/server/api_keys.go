package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
)

type createAPIKeyRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) ListAPIKeys(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	keys, err := s.apiKeySvc.List(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": keys})
}

// CreateAPIKey is the only response that ever carries the plaintext key.
func (s *Server) CreateAPIKey(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.apiKeySvc.Create(c.Request.Context(), userID, apikeydomain.CreateRequest{
		Name:      req.Name,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	keyID := strings.TrimSpace(c.Param("id"))
	if err := s.apiKeySvc.Revoke(c.Request.Context(), keyID, userID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
