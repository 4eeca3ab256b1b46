package main

import (
	"flag"
	"os"

	"github.com/smallbiznis/cobro/internal/config"
	"github.com/smallbiznis/cobro/internal/migration"
	"github.com/smallbiznis/cobro/pkg/db"
	"go.uber.org/zap"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg := config.Load()
	dbCfg := db.FromAppConfig(cfg)
	if dbCfg.Type != "postgres" {
		log.Fatal("migrations require postgres", zap.String("db_type", dbCfg.Type))
	}

	conn, err := migration.Open(db.PostgresURL(dbCfg))
	if err != nil {
		log.Fatal("connect", zap.Error(err))
	}
	defer conn.Close()

	if *down > 0 {
		err = migration.Rollback(conn, *down)
	} else {
		err = migration.RunMigrations(conn)
	}
	if err != nil {
		log.Error("migrate", zap.Error(err))
		os.Exit(1)
	}

	version, dirty, err := migration.Version(conn)
	if err != nil {
		log.Fatal("read schema version", zap.Error(err))
	}
	log.Info("schema up to date",
		zap.String("host", dbCfg.Host),
		zap.String("name", dbCfg.Name),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
}
