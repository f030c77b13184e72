package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/outsidersgit/vibephoto-sub003/internal/balance"
	"github.com/outsidersgit/vibephoto-sub003/internal/clock"
	"github.com/outsidersgit/vibephoto-sub003/internal/config"
	"github.com/outsidersgit/vibephoto-sub003/internal/credit"
	"github.com/outsidersgit/vibephoto-sub003/internal/job"
	"github.com/outsidersgit/vibephoto-sub003/internal/ledger"
	"github.com/outsidersgit/vibephoto-sub003/internal/logger"
	"github.com/outsidersgit/vibephoto-sub003/internal/migration"
	"github.com/outsidersgit/vibephoto-sub003/internal/observability/metrics"
	"github.com/outsidersgit/vibephoto-sub003/internal/provider"
	"github.com/outsidersgit/vibephoto-sub003/internal/reconcile"
	"github.com/outsidersgit/vibephoto-sub003/internal/refund"
	"github.com/outsidersgit/vibephoto-sub003/internal/server"
	"github.com/outsidersgit/vibephoto-sub003/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		balance.Module,
		ledger.Module,
		credit.Module,
		provider.Module,
		job.Module,
		refund.Module,
		reconcile.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
