package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	transactiondomain "github.com/smallbiznis/cobro/internal/transaction/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
)

type transactionQuery struct {
	pagination.Pagination
	Status string `form:"status"`
	Search string `form:"search"`
	From   string `form:"from"`
	To     string `form:"to"`
}

func (s *Server) transactionRequest(c *gin.Context) (transactiondomain.ListTransactionRequest, bool) {
	var query transactionQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return transactiondomain.ListTransactionRequest{}, false
	}

	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return transactiondomain.ListTransactionRequest{}, false
	}
	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return transactiondomain.ListTransactionRequest{}, false
	}

	return transactiondomain.ListTransactionRequest{
		Status:    strings.TrimSpace(query.Status),
		Search:    strings.TrimSpace(query.Search),
		From:      from,
		To:        to,
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	}, true
}

func (s *Server) ListTransactions(c *gin.Context) {
	req, ok := s.transactionRequest(c)
	if !ok {
		return
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ExportTransactions(c *gin.Context) {
	req, ok := s.transactionRequest(c)
	if !ok {
		return
	}
	format := transactiondomain.ExportFormat(strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", string(transactiondomain.ExportXLSX)))))

	file, err := s.ledgerSvc.Export(c.Request.Context(), req, format)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+file.Name+`"`)
	c.Data(http.StatusOK, file.ContentType, file.Body)
}
