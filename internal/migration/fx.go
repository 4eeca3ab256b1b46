package migration

import (
	"github.com/smallbiznis/cobro/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates on startup when enabled. Only Postgres carries
// versioned migrations; other drivers are left to the operator.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.AutoMigrate {
			return nil
		}
		if cfg.DBType != "postgres" {
			log.Info("skipping migrations", zap.String("db_type", cfg.DBType))
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		version, dirty, err := Version(sqlDB)
		if err != nil {
			return err
		}
		log.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil
	}),
)
