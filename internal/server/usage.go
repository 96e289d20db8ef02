package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
)

type storageChargeRequest struct {
	GigabyteMonths float64 `json:"gigabyte_months"`
}

type balanceResponse struct {
	Balance int64                          `json:"balance"`
	Charge  consumptiondomain.ChargeResult `json:"charge"`
}

func (s *Server) ChargeAPICall(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	requestID := chargeRequestID(c)
	release, ok := s.lockChargeRequest(c, userID, requestID)
	if !ok {
		return
	}
	defer release()

	result, err := s.consumptionSvc.ChargeForAPICall(c.Request.Context(), consumptiondomain.ChargeRequest{
		UserID:    userID,
		RequestID: requestID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("credits_charged", result.Charged)
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ChargeStorage(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req storageChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	requestID := chargeRequestID(c)
	release, ok := s.lockChargeRequest(c, userID, requestID)
	if !ok {
		return
	}
	defer release()

	result, err := s.consumptionSvc.ChargeForStorage(c.Request.Context(), consumptiondomain.StorageChargeRequest{
		UserID:         userID,
		RequestID:      requestID,
		GigabyteMonths: req.GigabyteMonths,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("credits_charged", result.Charged)
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// GetBalance is itself a metered call. Without a client idempotency key the
// generated request id is used, so every such read counts once.
func (s *Server) GetBalance(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	requestID := chargeRequestID(c)
	if requestID == "" {
		requestID = c.GetString("request_id")
	}

	result, err := s.consumptionSvc.ChargeForAPICall(c.Request.Context(), consumptiondomain.ChargeRequest{
		UserID:    userID,
		RequestID: requestID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("credits_charged", result.Charged)
	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{Balance: result.Balance, Charge: result}})
}
