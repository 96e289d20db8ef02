package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CancelSubscription schedules cancellation at period end. Records owned by
// someone else answer exactly like missing ones.
func (s *Server) CancelSubscription(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	subscriptionID := strings.TrimSpace(c.Param("id"))
	if subscriptionID == "" {
		AbortWithError(c, ErrNotFound)
		return
	}

	record, err := s.subscriptionSvc.CancelSubscription(c.Request.Context(), subscriptionID, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}
