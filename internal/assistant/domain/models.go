package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	analyticsdomain "github.com/smallbiznis/cobro/internal/analytics/domain"
)

// MaxQuestionLength bounds what an operator can send upstream in one turn.
const MaxQuestionLength = 2000

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type AskRequest struct {
	Question string
	Range    analyticsdomain.Range
	// History holds earlier turns of the same chat, oldest first.
	History []Message
}

type Answer struct {
	Response    string                `json:"response"`
	Range       analyticsdomain.Range `json:"range"`
	Model       string                `json:"model"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// Service answers operator questions about the collection metrics.
type Service interface {
	Ask(ctx context.Context, req AskRequest) (Answer, error)
}

// ChatClient sends one conversation to a chat completions backend.
type ChatClient interface {
	Model() string
	Complete(ctx context.Context, messages []Message) (string, error)
}

var (
	ErrNotConfigured   = errors.New("assistant_not_configured")
	ErrInvalidQuestion = errors.New("invalid_question")
	ErrInvalidHistory  = errors.New("invalid_history")
)

// UpstreamError is a chat backend that failed or answered with an error.
type UpstreamError struct {
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("assistant upstream: %v", e.Err)
	case e.Message != "":
		return fmt.Sprintf("assistant upstream status %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("assistant upstream status %d", e.Status)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }
