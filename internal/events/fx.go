package events

import (
	"context"

	"github.com/smallbiznis/cobro/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	if !cfg.Kafka.Enabled() {
		log.Info("kafka not configured, charge outcome events disabled")
		return Noop{}, nil
	}
	pub, err := NewKafkaPublisher(cfg.Kafka.BootstrapServers, cfg.Kafka.ChargeOutcomesTopic, cfg.AppName, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pub.Close()
			return nil
		},
	})
	return pub, nil
}
