package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/apikey"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/grant"
	"github.com/smallbiznis/creditledger/internal/ledger"
	"github.com/smallbiznis/creditledger/internal/metricspush"
	"github.com/smallbiznis/creditledger/internal/observability"
	"github.com/smallbiznis/creditledger/internal/scheduler"
	"github.com/smallbiznis/creditledger/internal/subscription"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by scheduler
		ledger.Module,
		subscription.Module,
		grant.Module,
		apikey.Module,

		// No server module, so metrics are pushed instead of scraped
		metricspush.Module,
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
