package cron

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/reconciler"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	AggregateReconcilerTaskParams struct {
		fx.In
		fxparams.Params
		Reconciler reconciler.Reconciler
	}

	aggregateReconcilerTask struct {
		enabled    bool
		logger     *zap.Logger
		reconciler reconciler.Reconciler
	}
)

func NewAggregateReconciler(params AggregateReconcilerTaskParams) Task {
	return &aggregateReconcilerTask{
		enabled:    !params.Config.Cron.DisableReconciler,
		logger:     log.WithPackage(params.Logger),
		reconciler: params.Reconciler,
	}
}

func (t *aggregateReconcilerTask) Name() string {
	return "aggregate_reconciler"
}

func (t *aggregateReconcilerTask) Spec() string {
	return "@every 1h"
}

func (t *aggregateReconcilerTask) Parallelism() int64 {
	return 1
}

func (t *aggregateReconcilerTask) Enabled() bool {
	return t.enabled
}

func (t *aggregateReconcilerTask) DelayStartDuration() time.Duration {
	return 5 * time.Minute
}

func (t *aggregateReconcilerTask) Timeout() time.Duration {
	return 30 * time.Minute
}

func (t *aggregateReconcilerTask) Run(ctx context.Context) error {
	result, err := t.reconciler.Reconcile(ctx)
	if err != nil {
		return xerrors.Errorf("failed to reconcile aggregates: %w", err)
	}

	if len(result.DriftedUsers) > 0 || len(result.DriftedPackages) > 0 {
		t.logger.Warn(
			"repaired drifted aggregates",
			zap.Strings("users", result.DriftedUsers),
			zap.Uint64s("packages", result.DriftedPackages),
			zap.Strings("skipped_users", result.SkippedUsers),
			zap.Uint64s("skipped_packages", result.SkippedPackages),
		)
	}
	return nil
}
