package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/voyagecrm/affiliate/internal/audit"
	"github.com/voyagecrm/affiliate/internal/authorization"
	"github.com/voyagecrm/affiliate/internal/cache"
	"github.com/voyagecrm/affiliate/internal/clock"
	"github.com/voyagecrm/affiliate/internal/config"
	"github.com/voyagecrm/affiliate/internal/contract"
	"github.com/voyagecrm/affiliate/internal/events"
	"github.com/voyagecrm/affiliate/internal/ledger"
	"github.com/voyagecrm/affiliate/internal/logger"
	"github.com/voyagecrm/affiliate/internal/migration"
	"github.com/voyagecrm/affiliate/internal/observability"
	"github.com/voyagecrm/affiliate/internal/profile"
	"github.com/voyagecrm/affiliate/internal/recovery"
	"github.com/voyagecrm/affiliate/internal/sale"
	"github.com/voyagecrm/affiliate/internal/scheduler"
	"github.com/voyagecrm/affiliate/internal/server"
	"github.com/voyagecrm/affiliate/internal/settlement"
	"github.com/voyagecrm/affiliate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		cache.Module,
		events.Module,

		// Domain services
		audit.Module,
		authorization.Module,
		profile.Module,
		ledger.Module,
		sale.Module,
		settlement.Module,
		recovery.Module,
		contract.Module,

		// Boundary
		server.Module,
		scheduler.Module,
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
