package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	analyticsdomain "github.com/smallbiznis/cobro/internal/analytics/domain"
	"github.com/smallbiznis/cobro/internal/assistant/domain"
	"github.com/smallbiznis/cobro/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	// historyTurns caps how much of the chat is replayed upstream.
	historyTurns = 10
	fallbackText = "No pude generar una respuesta."
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Analytics analyticsdomain.Service
	Client    domain.ChatClient `optional:"true"`
	Clock     clock.Clock
}

type Service struct {
	log       *zap.Logger
	analytics analyticsdomain.Service
	client    domain.ChatClient
	clock     clock.Clock
}

func New(p Params) domain.Service {
	return &Service{
		log:       p.Log.Named("assistant.service"),
		analytics: p.Analytics,
		client:    p.Client,
		clock:     p.Clock,
	}
}

func (s *Service) Ask(ctx context.Context, req domain.AskRequest) (domain.Answer, error) {
	if s.client == nil {
		return domain.Answer{}, domain.ErrNotConfigured
	}
	question := strings.TrimSpace(req.Question)
	if question == "" || utf8.RuneCountInString(question) > domain.MaxQuestionLength {
		return domain.Answer{}, domain.ErrInvalidQuestion
	}
	history, err := recentHistory(req.History)
	if err != nil {
		return domain.Answer{}, err
	}

	dashboard, err := s.analytics.Dashboard(ctx, req.Range)
	if err != nil {
		return domain.Answer{}, err
	}

	messages := make([]domain.Message, 0, len(history)+2)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: systemPrompt(dashboard)})
	messages = append(messages, history...)
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: question})

	start := s.clock.Now()
	response, err := s.client.Complete(ctx, messages)
	if err != nil {
		s.log.Warn("assistant completion failed", zap.Error(err))
		return domain.Answer{}, err
	}
	if response == "" {
		response = fallbackText
	}

	s.log.Info("assistant answered",
		zap.String("range", string(dashboard.Range)),
		zap.Int("history_turns", len(history)),
		zap.Duration("elapsed", s.clock.Now().Sub(start)),
	)
	return domain.Answer{
		Response:    response,
		Range:       dashboard.Range,
		Model:       s.client.Model(),
		GeneratedAt: s.clock.Now().UTC().Truncate(time.Second),
	}, nil
}

// recentHistory keeps the last turns of a chat. Only user and assistant
// turns are accepted; the system prompt is always rebuilt server side.
func recentHistory(turns []domain.Message) ([]domain.Message, error) {
	out := make([]domain.Message, 0, len(turns))
	for _, turn := range turns {
		if turn.Role != domain.RoleUser && turn.Role != domain.RoleAssistant {
			return nil, domain.ErrInvalidHistory
		}
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		if utf8.RuneCountInString(content) > domain.MaxQuestionLength {
			return nil, domain.ErrInvalidHistory
		}
		out = append(out, domain.Message{Role: turn.Role, Content: content})
	}
	if len(out) > historyTurns {
		out = out[len(out)-historyTurns:]
	}
	return out, nil
}
