package services

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type (
	ShutdownFunction func(ctx context.Context) error

	// DaemonFunction starts a service. The channel reports a failure that warrants a restart.
	DaemonFunction func(ctx context.Context) (ShutdownFunction, chan error)
)

const (
	shutdownTimeout = 10 * time.Second
	restartDelay    = 100 * time.Millisecond

	// forceExitDelay is how long a second signal waits before exiting without cleanup.
	forceExitDelay = 20 * time.Second
)

// Daemonize runs f until the service context of manager is canceled, restarting it whenever it fails.
func Daemonize(manager SystemManager, f DaemonFunction, name string) {
	ctx := manager.ServiceContext()
	logger := manager.Logger().With(zap.String("daemon", name))

	for {
		shutdown, errCh := f(ctx)
		select {
		case err := <-errCh:
			logger.Error("daemon failed, restarting", zap.Error(err))
			time.Sleep(restartDelay)
		case <-ctx.Done():
			logger.Info("shutting down daemon")
			if shutdown == nil {
				logger.Warn("daemon has no shutdown function")
				return
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to shut down daemon", zap.Error(err))
			}
			return
		}
	}
}

// notifyOnSignal calls shutdown on the first SIGINT/SIGTERM. A second signal exits after
// forceExitDelay, a third one right away. The returned func stops listening.
func notifyOnSignal(logger *zap.Logger, shutdown func()) func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		received := 0
		for {
			select {
			case <-done:
				return
			case sig := <-signals:
				received++
				logger := logger.With(zap.String("signal", sig.String()))
				switch received {
				case 1:
					logger.Info("shutdown requested")
					go shutdown()
				case 2:
					logger.Info("forced termination scheduled", zap.Duration("delay", forceExitDelay))
					time.AfterFunc(forceExitDelay, func() { os.Exit(2) })
				default:
					logger.Warn("forced termination")
					_ = logger.Sync()
					os.Exit(2)
				}
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}
