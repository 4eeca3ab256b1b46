package storage

import (
	"context"

	"github.com/smallbiznis/cobro/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("storage",
	fx.Provide(NewStore),
)

func NewStore(cfg config.Config, log *zap.Logger) (Store, error) {
	if !cfg.Storage.Enabled() {
		log.Info("upload archive disabled, S3_BUCKET not set")
		return Noop{}, nil
	}
	return NewS3(context.Background(), cfg.Storage, log)
}
