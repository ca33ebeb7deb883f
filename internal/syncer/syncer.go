package syncer

//go:generate mockgen -destination=mocks/mocks.go -package=syncermocks . Syncer

import (
	"context"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/client"
	"github.com/coinbase/chainmirror/internal/blockchain/endpoints"
	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/dlq"
	"github.com/coinbase/chainmirror/internal/processor"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	// Syncer keeps the mirror store in step with the contract logs of one chain.
	Syncer interface {
		// Run drives the state machine until ctx is canceled.
		Run(ctx context.Context) error

		// Status returns a snapshot of the sync progress. It is safe for concurrent use.
		Status() *Status

		// RequestHardRefresh schedules a full resync from the genesis block and returns its request id.
		// The request is handled between batches; failures are logged.
		RequestHardRefresh() string
	}

	Params struct {
		fx.In
		fxparams.Params
		Client          client.Client
		FailoverManager endpoints.FailoverManager
		Parser          parser.Parser
		Processor       processor.Processor
		MetaStorage     metastorage.MetaStorage
		DLQ             dlq.DLQ
	}

	syncerImpl struct {
		config          *config.Config
		logger          *zap.Logger
		client          client.Client
		failoverManager endpoints.FailoverManager
		parser          parser.Parser
		processor       processor.Processor
		metaStorage     metastorage.MetaStorage
		dlq             dlq.DLQ
		contract        common.Address

		status          *atomic.Pointer[Status]
		refreshRequests chan string
		throughput      ewma.MovingAverage
		metrics         *syncMetrics
	}

	syncMetrics struct {
		checkpoint     tally.Gauge
		chainHeight    tally.Gauge
		lag            tally.Gauge
		chunkSize      tally.Gauge
		throughput     tally.Gauge
		eventsInserted tally.Counter
		unknownEvents  tally.Counter
		decodeErrors   tally.Counter
		removedLogs    tally.Counter
		rangeTooLarge  tally.Counter
		rpcErrors      tally.Counter
		persistErrors  tally.Counter
		hardRefreshes  tally.Counter
		reconnects     tally.Counter
		batchLatency   tally.Timer
	}
)

const (
	metricsScope = "syncer"

	// throughputAge is the number of batches the moving average spans.
	throughputAge = 20
)

var _ Syncer = (*syncerImpl)(nil)

func New(params Params) (Syncer, error) {
	cfg := params.Config
	if !common.IsHexAddress(cfg.Contract.Address) {
		return nil, xerrors.Errorf("invalid contract address: %v", cfg.Contract.Address)
	}

	s := &syncerImpl{
		config:          cfg,
		logger:          log.WithPackage(params.Logger),
		client:          params.Client,
		failoverManager: params.FailoverManager,
		parser:          params.Parser,
		processor:       params.Processor,
		metaStorage:     params.MetaStorage,
		dlq:             params.DLQ,
		contract:        common.HexToAddress(cfg.Contract.Address),
		status:          atomic.NewPointer(&Status{State: StateUnknown, StateName: StateUnknown.String()}),
		refreshRequests: make(chan string, 1),
		throughput:      ewma.NewMovingAverage(throughputAge),
		metrics:         newSyncMetrics(params.Metrics.SubScope(metricsScope)),
	}
	return s, nil
}

func newSyncMetrics(scope tally.Scope) *syncMetrics {
	return &syncMetrics{
		checkpoint:     scope.Gauge("checkpoint"),
		chainHeight:    scope.Gauge("chain_height"),
		lag:            scope.Gauge("lag"),
		chunkSize:      scope.Gauge("chunk_size"),
		throughput:     scope.Gauge("blocks_per_second"),
		eventsInserted: scope.Counter("events_inserted"),
		unknownEvents:  scope.Counter("unknown_event"),
		decodeErrors:   scope.Counter("decode_error"),
		removedLogs:    scope.Counter("removed_log"),
		rangeTooLarge:  scope.Counter("range_too_large"),
		rpcErrors:      scope.Counter("rpc_error"),
		persistErrors:  scope.Counter("persist_error"),
		hardRefreshes:  scope.Counter("hard_refresh"),
		reconnects:     scope.Counter("reconnect"),
		batchLatency:   scope.Timer("batch_latency"),
	}
}

func (s *syncerImpl) Run(ctx context.Context) error {
	sc := newSyncContext(&s.config.Sync)
	defer func() {
		sc.closeSubscription()
		sc.state = StateStopped
		s.publish(sc)
	}()

	s.logger.Info(
		"starting syncer",
		zap.String("contract", s.config.Contract.Address),
		zap.Uint64("genesis_block", s.config.Contract.GenesisBlock),
		zap.Uint64("chunk_size", sc.chunkSize),
		zap.Bool("push", s.pushEnabled(sc)),
	)

	for {
		if ctx.Err() != nil {
			s.logger.Info("stopping syncer", zap.Uint64("checkpoint", sc.checkpoint))
			return nil
		}

		s.handleHardRefresh(ctx, sc)
		if err := s.step(ctx, sc); err != nil {
			if ctx.Err() != nil {
				continue
			}

			sc.lastErr = err
			s.publish(sc)
			delay := sc.retryBackoff.NextBackOff()
			s.logger.Warn(
				"sync step failed",
				zap.String("state", sc.state.String()),
				zap.Uint64("next_block", sc.next),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			s.wait(ctx, delay)
			continue
		}

		s.publish(sc)
	}
}

func (s *syncerImpl) step(ctx context.Context, sc *SyncContext) error {
	switch sc.state {
	case StateBootstrapping:
		return s.bootstrap(ctx, sc)
	case StateCatchingUp:
		return s.catchUp(ctx, sc)
	case StateLive:
		return s.live(ctx, sc)
	case StateReconnecting:
		return s.reconnect(ctx, sc)
	default:
		return xerrors.Errorf("unexpected state: %v", sc.state)
	}
}

// bootstrap resolves the first block to sync from the persisted checkpoint,
// or from the latest stored event when there is none.
func (s *syncerImpl) bootstrap(ctx context.Context, sc *SyncContext) error {
	genesis := s.config.Contract.GenesisBlock

	checkpoint, found, err := s.metaStorage.GetCheckpoint(ctx)
	if err != nil {
		return xerrors.Errorf("failed to get checkpoint: %w", err)
	}

	if found {
		sc.setCheckpoint(checkpoint)
		if sc.next < genesis {
			sc.next = genesis
		}
	} else {
		latest, ok, err := s.metaStorage.GetLatestEventBlock(ctx)
		if err != nil {
			return xerrors.Errorf("failed to get latest event block: %w", err)
		}

		sc.next = genesis
		if ok && latest > genesis {
			// The block of the latest event is synced again; the natural key makes it a no-op.
			sc.next = latest
		}
	}

	s.logger.Info(
		"bootstrapped syncer",
		zap.Bool("has_checkpoint", found),
		zap.Uint64("checkpoint", checkpoint),
		zap.Uint64("next_block", sc.next),
	)
	sc.state = StateCatchingUp
	return nil
}

func (s *syncerImpl) Status() *Status {
	status := *s.status.Load()
	return &status
}

func (s *syncerImpl) RequestHardRefresh() string {
	requestID := uuid.NewString()
	select {
	case s.refreshRequests <- requestID:
		s.logger.Info("hard refresh requested", zap.String("request_id", requestID))
	default:
		s.logger.Info("hard refresh already pending", zap.String("request_id", requestID))
	}
	return requestID
}

// handleHardRefresh clears the mirror store and restarts from the genesis block
// when a hard refresh is pending.
func (s *syncerImpl) handleHardRefresh(ctx context.Context, sc *SyncContext) {
	var requestID string
	select {
	case requestID = <-s.refreshRequests:
	default:
		return
	}

	logger := s.logger.With(zap.String("request_id", requestID))
	logger.Warn("starting hard refresh", zap.Uint64("checkpoint", sc.checkpoint))
	s.metrics.hardRefreshes.Inc(1)

	if err := s.metaStorage.Clear(ctx); err != nil {
		logger.Error("failed to clear mirror store", zap.Error(err))
		return
	}

	sc.reset()
	s.publish(sc)
	logger.Info("cleared mirror store, resyncing from genesis", zap.Uint64("genesis_block", s.config.Contract.GenesisBlock))
}

// publish copies the progress of sc into the status snapshot and the gauges.
func (s *syncerImpl) publish(sc *SyncContext) {
	status := &Status{
		State:           sc.state,
		StateName:       sc.state.String(),
		ChainHeight:     sc.chainHeight,
		ChunkSize:       sc.chunkSize,
		PushMode:        sc.subscription != nil,
		PushDisabled:    sc.pushDisabled || !s.client.SupportsPush(),
		BlocksPerSecond: s.throughput.Value(),
		UpdatedAt:       time.Now().UTC(),
	}
	if sc.hasCheckpoint {
		checkpoint := sc.checkpoint
		status.Checkpoint = &checkpoint
		if sc.chainHeight > checkpoint {
			status.Lag = sc.chainHeight - checkpoint
		}
	}
	if sc.lastErr != nil {
		status.LastError = sc.lastErr.Error()
	}
	s.status.Store(status)

	s.metrics.checkpoint.Update(float64(sc.checkpoint))
	s.metrics.chainHeight.Update(float64(sc.chainHeight))
	s.metrics.lag.Update(float64(status.Lag))
	s.metrics.chunkSize.Update(float64(sc.chunkSize))
	s.metrics.throughput.Update(status.BlocksPerSecond)
}

func (s *syncerImpl) requeueHardRefresh(requestID string) {
	select {
	case s.refreshRequests <- requestID:
	default:
	}
}

// rpcContext routes the call to the failover endpoint group after an RPC failure.
func (s *syncerImpl) rpcContext(ctx context.Context, sc *SyncContext) context.Context {
	if !sc.failover {
		return ctx
	}

	failoverCtx, err := s.failoverManager.WithFailoverContext(ctx, endpoints.MasterCluster)
	if err != nil {
		if !xerrors.Is(err, endpoints.ErrFailoverUnavailable) {
			s.logger.Warn("failed to create failover context", zap.Error(err))
		}
		return ctx
	}
	return failoverCtx
}
