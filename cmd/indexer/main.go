package main

import (
	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/coinbase/chainmirror/internal/aws"
	"github.com/coinbase/chainmirror/internal/blockchain"
	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/cron"
	"github.com/coinbase/chainmirror/internal/dlq"
	"github.com/coinbase/chainmirror/internal/processor"
	"github.com/coinbase/chainmirror/internal/reconciler"
	"github.com/coinbase/chainmirror/internal/server"
	"github.com/coinbase/chainmirror/internal/services"
	"github.com/coinbase/chainmirror/internal/storage"
	"github.com/coinbase/chainmirror/internal/syncer"
	"github.com/coinbase/chainmirror/internal/tally"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
)

// indexer wires the sync coordinator, the HTTP API and the cron jobs into one process.
var indexer = fx.Options(
	aws.Module,
	blockchain.Module,
	config.Module,
	cron.Module,
	dlq.Module,
	fxparams.Module,
	processor.Module,
	reconciler.Module,
	server.Module,
	storage.Module,
	syncer.Module,
	tally.Module,
	fx.Invoke(
		syncer.RegisterRunner,
		server.Register,
		cron.RegisterRunner,
	),
)

func main() {
	startManager().WaitForInterrupt()
}

func startManager(opts ...fx.Option) services.SystemManager {
	manager := services.NewManager()
	logger := manager.Logger()

	// Deployed environments set variables directly; local runs may keep them in .env.
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}

	app := fx.New(
		indexer,
		fx.Options(opts...),
		fx.NopLogger,
		fx.Provide(func() services.SystemManager { return manager }),
		fx.Supply(logger),
	)
	if err := app.Start(manager.Context()); err != nil {
		logger.Fatal("failed to start indexer", zap.Error(err))
	}

	manager.AddPreShutdownHook(func() {
		logger.Info("stopping indexer")
		if err := app.Stop(manager.Context()); err != nil {
			logger.Error("failed to stop indexer", zap.Error(err))
		}
	})
	logger.Info("started indexer")
	return manager
}
