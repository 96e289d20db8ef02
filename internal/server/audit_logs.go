package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
)

type listAuditLogsQuery struct {
	pagination.Pagination
	Action string `form:"action"`
}

// ListAuditLogs returns the caller's own credential and subscription changes, newest first.
func (s *Server) ListAuditLogs(c *gin.Context) {
	userID, ok := callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination: query.Pagination,
		ActorID:    userID,
		Action:     query.Action,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.AuditLogs,
		"page_info": resp.PageInfo,
	})
}
