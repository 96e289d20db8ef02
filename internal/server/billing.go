package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
)

type checkoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (s *Server) GetBillingInfo(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	info, err := s.billingSvc.GetBillingInfo(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": info})
}

func (s *Server) ListTransactions(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		UserID:    userID,
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.Limit(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": resp.Transactions,
		"page_info": pagination.PageInfo{
			NextPageToken: resp.NextPageToken,
			HasMore:       resp.HasMore,
		},
	})
}

func (s *Server) CreateCheckout(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	session, err := s.subscriptionSvc.CreateCheckout(c.Request.Context(), subscriptiondomain.CheckoutRequest{
		UserID:     userID,
		PriceID:    strings.TrimSpace(req.PriceID),
		SuccessURL: strings.TrimSpace(req.SuccessURL),
		CancelURL:  strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}
