package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/soundloom/tunesmith/internal/clock"
	"github.com/soundloom/tunesmith/internal/config"
	"github.com/soundloom/tunesmith/internal/migration"
	"github.com/soundloom/tunesmith/internal/observability/metrics"
	"github.com/soundloom/tunesmith/internal/server"
	"github.com/soundloom/tunesmith/pkg/db"
	"github.com/soundloom/tunesmith/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Functional domains (server.Module pulls in ledger, tasks,
		// providers, callbacks, orchestration, billing, reconciliation
		// and the scheduler)
		server.Module,
		migration.Module,
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
