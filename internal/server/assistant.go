package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	analyticsdomain "github.com/smallbiznis/cobro/internal/analytics/domain"
	assistantdomain "github.com/smallbiznis/cobro/internal/assistant/domain"
)

type assistantTurn struct {
	Role    string `json:"role" binding:"required,oneof=user assistant"`
	Content string `json:"content"`
}

type assistantRequest struct {
	Message string          `json:"message" binding:"required"`
	Range   string          `json:"range"`
	History []assistantTurn `json:"history" binding:"max=50,dive"`
}

func (s *Server) AskAssistant(c *gin.Context) {
	if s.assistantSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var req assistantRequest
	if !bindJSON(c, &req) {
		return
	}

	history := make([]assistantdomain.Message, 0, len(req.History))
	for _, turn := range req.History {
		history = append(history, assistantdomain.Message{
			Role:    assistantdomain.Role(turn.Role),
			Content: turn.Content,
		})
	}

	answer, err := s.assistantSvc.Ask(c.Request.Context(), assistantdomain.AskRequest{
		Question: req.Message,
		Range:    analyticsdomain.Range(strings.TrimSpace(req.Range)),
		History:  history,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": answer})
}
