package cron

import (
	"context"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/client"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	SyncLagMonitorTaskParams struct {
		fx.In
		fxparams.Params
		Client      client.Client
		MetaStorage metastorage.MetaStorage
	}

	// syncLagMonitorTask compares the persisted checkpoint with the chain height.
	syncLagMonitorTask struct {
		enabled       bool
		maxLag        uint64
		confirmations uint64
		logger        *zap.Logger
		client        client.Client
		metaStorage   metastorage.MetaStorage
		lagGauge      tally.Gauge
		heightGauge   tally.Gauge
		lagging       tally.Counter
	}
)

const (
	syncLagScope = "sync_lag_monitor"
)

func NewSyncLagMonitor(params SyncLagMonitorTaskParams) Task {
	scope := params.Metrics.SubScope("cron").SubScope(syncLagScope)
	return &syncLagMonitorTask{
		enabled:       !params.Config.Cron.DisableLagMonitor,
		maxLag:        params.Config.Cron.MaxLagBlocks,
		confirmations: params.Config.Sync.Confirmations,
		logger:        log.WithPackage(params.Logger),
		client:        params.Client,
		metaStorage:   params.MetaStorage,
		lagGauge:      scope.Gauge("lag"),
		heightGauge:   scope.Gauge("chain_height"),
		lagging:       scope.Counter("lagging"),
	}
}

func (t *syncLagMonitorTask) Name() string {
	return "sync_lag_monitor"
}

func (t *syncLagMonitorTask) Spec() string {
	return "@every 1m"
}

func (t *syncLagMonitorTask) Parallelism() int64 {
	return 1
}

func (t *syncLagMonitorTask) Enabled() bool {
	return t.enabled
}

func (t *syncLagMonitorTask) DelayStartDuration() time.Duration {
	return 2 * time.Minute
}

func (t *syncLagMonitorTask) Timeout() time.Duration {
	return 30 * time.Second
}

func (t *syncLagMonitorTask) Run(ctx context.Context) error {
	height, err := t.client.CurrentHeight(ctx)
	if err != nil {
		return xerrors.Errorf("failed to get chain height: %w", err)
	}

	checkpoint, found, err := t.metaStorage.GetCheckpoint(ctx)
	if err != nil {
		return xerrors.Errorf("failed to get checkpoint: %w", err)
	}

	lag := t.lag(height, checkpoint, found)
	t.heightGauge.Update(float64(height))
	t.lagGauge.Update(float64(lag))

	if lag > t.maxLag {
		t.lagging.Inc(1)
		t.logger.Warn(
			"sync is lagging",
			zap.Uint64("chain_height", height),
			zap.Uint64("checkpoint", checkpoint),
			zap.Bool("has_checkpoint", found),
			zap.Uint64("lag", lag),
			zap.Uint64("max_lag", t.maxLag),
		)
	}
	return nil
}

// lag is the number of confirmed blocks the checkpoint is behind.
func (t *syncLagMonitorTask) lag(height uint64, checkpoint uint64, found bool) uint64 {
	if height < t.confirmations {
		return 0
	}
	target := height - t.confirmations
	if !found {
		return target
	}
	if target <= checkpoint {
		return 0
	}
	return target - checkpoint
}
