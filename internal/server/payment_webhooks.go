package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxWebhookPayloadBytes = 1 << 20

// HandlePaymentWebhook answers 200 for applied, duplicate and ignored events.
// Anything else is an error so the provider redelivers.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookPayloadBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.paymentSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
