package alert

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("alert",
	fx.Provide(NewNotifier),
)

func NewNotifier(log *zap.Logger) (Notifier, error) {
	cfg, err := LoadSMTPConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return NewLogNotifier(log), nil
	}
	log.Info("divergence alerts enabled", zap.String("smtp_host", cfg.Host), zap.Strings("to", cfg.recipients()))
	return NewEmailNotifier(cfg, log), nil
}
