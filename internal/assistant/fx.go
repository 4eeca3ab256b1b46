package assistant

import (
	"github.com/smallbiznis/cobro/internal/assistant/domain"
	"github.com/smallbiznis/cobro/internal/assistant/openai"
	"github.com/smallbiznis/cobro/internal/assistant/service"
	"github.com/smallbiznis/cobro/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("assistant.service",
	fx.Provide(NewChatClient),
	fx.Provide(service.New),
)

// NewChatClient returns nil without an API key; the service then answers
// every question with ErrNotConfigured.
func NewChatClient(cfg config.Config, log *zap.Logger) domain.ChatClient {
	if !cfg.Assistant.Enabled() {
		log.Info("OPENAI_API_KEY not set, dashboard assistant disabled")
		return nil
	}
	client := openai.NewClient(cfg.Assistant)
	log.Info("dashboard assistant enabled", zap.String("model", client.Model()))
	return client
}
