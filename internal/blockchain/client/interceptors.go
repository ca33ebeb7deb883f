package client

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/coinbase/chainmirror/internal/utils/instrument"
)

type (
	instrumentInterceptor struct {
		client                   Client
		instrumentCurrentHeight  instrument.InstrumentWithResult[uint64]
		instrumentGetBlock       instrument.InstrumentWithResult[*Block]
		instrumentBatchGetBlocks instrument.InstrumentWithResult[[]*Block]
		instrumentGetLogs        instrument.InstrumentWithResult[[]types.Log]
		instrumentSubscribeLogs  instrument.InstrumentWithResult[Subscription]
		logsCounter              tally.Counter
		rangeTooLargeCounter     tally.Counter
	}
)

const (
	subScope = "blockchain_client"
)

var (
	_ Client = (*instrumentInterceptor)(nil)
)

// WithInstrumentInterceptor returns a new client which emits metrics and logs for every call.
func WithInstrumentInterceptor(client Client, scope tally.Scope, logger *zap.Logger) Client {
	scope = scope.SubScope(subScope)
	return &instrumentInterceptor{
		client:                   client,
		instrumentCurrentHeight:  newInstrument[uint64](scope, logger, "current_height"),
		instrumentGetBlock:       newInstrument[*Block](scope, logger, "get_block_by_number"),
		instrumentBatchGetBlocks: newInstrument[[]*Block](scope, logger, "batch_get_blocks"),
		instrumentGetLogs: instrument.NewWithResult[[]types.Log](
			scope,
			"get_logs",
			instrument.WithLogger(logger, "client.get_logs"),
			// A range rejection is handled by the caller by shrinking the chunk.
			instrument.WithFilter(IsRangeTooLarge),
		),
		instrumentSubscribeLogs: newInstrument[Subscription](scope, logger, "subscribe_logs"),
		logsCounter:             scope.Counter("logs"),
		rangeTooLargeCounter:    scope.Counter("range_too_large"),
	}
}

func newInstrument[T any](scope tally.Scope, logger *zap.Logger, name string) instrument.InstrumentWithResult[T] {
	return instrument.NewWithResult[T](scope, name, instrument.WithLogger(logger, "client."+name))
}

func (i *instrumentInterceptor) CurrentHeight(ctx context.Context) (uint64, error) {
	return i.instrumentCurrentHeight.Instrument(ctx, func(ctx context.Context) (uint64, error) {
		return i.client.CurrentHeight(ctx)
	})
}

func (i *instrumentInterceptor) GetBlockByNumber(ctx context.Context, height uint64) (*Block, error) {
	return i.instrumentGetBlock.Instrument(ctx, func(ctx context.Context) (*Block, error) {
		return i.client.GetBlockByNumber(ctx, height)
	}, instrument.WithLoggerFields(zap.Uint64("height", height)))
}

func (i *instrumentInterceptor) BatchGetBlocks(ctx context.Context, heights []uint64) ([]*Block, error) {
	return i.instrumentBatchGetBlocks.Instrument(ctx, func(ctx context.Context) ([]*Block, error) {
		return i.client.BatchGetBlocks(ctx, heights)
	}, instrument.WithLoggerFields(zap.Int("count", len(heights))))
}

func (i *instrumentInterceptor) GetLogs(ctx context.Context, from uint64, to uint64, contract common.Address) ([]types.Log, error) {
	logs, err := i.instrumentGetLogs.Instrument(ctx, func(ctx context.Context) ([]types.Log, error) {
		return i.client.GetLogs(ctx, from, to, contract)
	}, instrument.WithLoggerFields(zap.Uint64("from", from), zap.Uint64("to", to)))
	if err != nil {
		if IsRangeTooLarge(err) {
			i.rangeTooLargeCounter.Inc(1)
		}
		return nil, err
	}

	i.logsCounter.Inc(int64(len(logs)))
	return logs, nil
}

func (i *instrumentInterceptor) SubscribeLogs(ctx context.Context, contract common.Address) (Subscription, error) {
	return i.instrumentSubscribeLogs.Instrument(ctx, func(ctx context.Context) (Subscription, error) {
		return i.client.SubscribeLogs(ctx, contract)
	})
}

func (i *instrumentInterceptor) SupportsPush() bool {
	return i.client.SupportsPush()
}
