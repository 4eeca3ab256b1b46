package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) ExecuteCharge(c *gin.Context) {
	id, ok := scheduleIDParam(c)
	if !ok {
		return
	}

	outcome, err := s.chargeSvc.Execute(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.invalidateDashboard(c)
	c.JSON(http.StatusOK, gin.H{"data": outcome})
}

func (s *Server) ListCharges(c *gin.Context) {
	var query scheduleListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.scheduleSvc.ListCharges(c.Request.Context(), query.request())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// ExecuteDueCharges runs one batch of due charges, the same work the
// scheduler does on each tick.
func (s *Server) ExecuteDueCharges(c *gin.Context) {
	limit := s.cfg.Scheduler.BatchSize
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be between 1 and 500"))
			return
		}
		limit = parsed
	}
	if limit <= 0 {
		limit = 50
	}

	result, err := s.chargeSvc.ExecuteDue(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Succeeded+result.Failed > 0 {
		s.invalidateDashboard(c)
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
