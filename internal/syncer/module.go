package syncer

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/coinbase/chainmirror/internal/services"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	RunnerParams struct {
		fx.In
		Logger    *zap.Logger
		Lifecycle fx.Lifecycle
		Manager   services.SystemManager
		Syncer    Syncer
	}
)

var Module = fx.Options(
	fx.Provide(New),
)

// RegisterRunner runs the syncer in the background for the lifetime of the application.
func RegisterRunner(params RunnerParams) {
	logger := log.WithPackage(params.Logger)
	ctx, cancel := context.WithCancel(params.Manager.ServiceContext())
	done := make(chan struct{})

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := params.Syncer.Run(ctx); err != nil {
					logger.Error("syncer stopped with error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				logger.Info("stopped syncer")
			case <-stopCtx.Done():
				logger.Error("timed out while stopping syncer")
			}
			return nil
		},
	})
}
