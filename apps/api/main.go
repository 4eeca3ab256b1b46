package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/alert"
	"github.com/smallbiznis/cobro/internal/analytics"
	"github.com/smallbiznis/cobro/internal/assistant"
	"github.com/smallbiznis/cobro/internal/cache"
	"github.com/smallbiznis/cobro/internal/charge"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	"github.com/smallbiznis/cobro/internal/customer"
	"github.com/smallbiznis/cobro/internal/events"
	"github.com/smallbiznis/cobro/internal/ingest"
	"github.com/smallbiznis/cobro/internal/lock"
	"github.com/smallbiznis/cobro/internal/observability"
	"github.com/smallbiznis/cobro/internal/processor"
	"github.com/smallbiznis/cobro/internal/ratelimit"
	"github.com/smallbiznis/cobro/internal/schedule"
	"github.com/smallbiznis/cobro/internal/server"
	"github.com/smallbiznis/cobro/internal/storage"
	"github.com/smallbiznis/cobro/internal/transaction"
	"github.com/smallbiznis/cobro/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		lock.Module,
		ratelimit.Module,
		storage.Module,
		events.Module,
		alert.Module,

		processor.Module,
		customer.Module,
		schedule.Module,
		transaction.Module,
		// Manual execution from the API still goes through the charge executor.
		charge.Module,
		ingest.Module,
		analytics.Module,
		assistant.Module,

		// No scheduler here; run apps/scheduler alongside.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.MachineID)
}
