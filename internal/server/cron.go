package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

// RunMonthlyGrant is the external time trigger for the monthly grant. Partial
// failures are reported in the summary; only a failed enumeration is an error.
func (s *Server) RunMonthlyGrant(c *gin.Context) {
	summary, err := s.grantSvc.GrantMonthlyFreeCredits(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) Reconcile(c *gin.Context) {
	discrepancies, err := s.ledgerSvc.Reconcile(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if discrepancies == nil {
		discrepancies = []ledgerdomain.Discrepancy{}
	}

	c.JSON(http.StatusOK, gin.H{
		"consistent":    len(discrepancies) == 0,
		"discrepancies": discrepancies,
	})
}
