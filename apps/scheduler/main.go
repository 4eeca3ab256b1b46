package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/alert"
	"github.com/smallbiznis/cobro/internal/cache"
	"github.com/smallbiznis/cobro/internal/charge"
	"github.com/smallbiznis/cobro/internal/clock"
	"github.com/smallbiznis/cobro/internal/config"
	"github.com/smallbiznis/cobro/internal/customer"
	"github.com/smallbiznis/cobro/internal/events"
	"github.com/smallbiznis/cobro/internal/lock"
	"github.com/smallbiznis/cobro/internal/metricspush"
	"github.com/smallbiznis/cobro/internal/observability"
	"github.com/smallbiznis/cobro/internal/processor"
	"github.com/smallbiznis/cobro/internal/schedule"
	"github.com/smallbiznis/cobro/internal/scheduler"
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
		events.Module,
		alert.Module,
		metricspush.Module,

		// Domain services required by scheduler
		processor.Module,
		customer.Module,
		schedule.Module,
		transaction.Module,
		charge.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.MachineID)
}
