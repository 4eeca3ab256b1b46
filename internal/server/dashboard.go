package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	analyticsdomain "github.com/smallbiznis/cobro/internal/analytics/domain"
)

func (s *Server) GetDashboard(c *gin.Context) {
	dashboard, err := s.analyticsSvc.Dashboard(c.Request.Context(), analyticsdomain.Range(strings.TrimSpace(c.Query("range"))))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": dashboard})
}

func (s *Server) ListISOCodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.isoCodes.List()})
}
