package cron

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/client"
	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/dlq"
	"github.com/coinbase/chainmirror/internal/processor"
	"github.com/coinbase/chainmirror/internal/storage/metastorage"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	DLQReplayerTaskParams struct {
		fx.In
		fxparams.Params
		DLQ         dlq.DLQ
		Client      client.Client
		Parser      parser.Parser
		Processor   processor.Processor
		MetaStorage metastorage.MetaStorage
	}

	// dlqReplayerTask decodes the logs of the failed_log topic again and persists them once they succeed.
	dlqReplayerTask struct {
		enabled     bool
		batchSize   int
		maxRetries  int
		logger      *zap.Logger
		dlq         dlq.DLQ
		client      client.Client
		parser      parser.Parser
		processor   processor.Processor
		metaStorage metastorage.MetaStorage
	}
)

const (
	// maxReplayRetries is the number of resends after which a message is dropped.
	maxReplayRetries = 100
)

var (
	errLogGone = xerrors.New("log no longer exists")
)

func NewDLQReplayer(params DLQReplayerTaskParams) Task {
	return &dlqReplayerTask{
		enabled:     !params.Config.Cron.DisableDLQReplayer,
		batchSize:   params.Config.Cron.DLQBatchSize,
		maxRetries:  maxReplayRetries,
		logger:      log.WithPackage(params.Logger),
		dlq:         params.DLQ,
		client:      params.Client,
		parser:      params.Parser,
		processor:   params.Processor,
		metaStorage: params.MetaStorage,
	}
}

func (t *dlqReplayerTask) Name() string {
	return "dlq_replayer"
}

func (t *dlqReplayerTask) Spec() string {
	return "@every 10s"
}

func (t *dlqReplayerTask) Parallelism() int64 {
	return 1
}

func (t *dlqReplayerTask) Enabled() bool {
	return t.enabled
}

func (t *dlqReplayerTask) DelayStartDuration() time.Duration {
	return time.Minute
}

func (t *dlqReplayerTask) Timeout() time.Duration {
	return time.Minute
}

// Run drains up to batchSize messages. It stops at the first resent message,
// which would otherwise be received again right away.
func (t *dlqReplayerTask) Run(ctx context.Context) error {
	for i := 0; i < t.batchSize; i++ {
		message, err := t.dlq.ReceiveMessage(ctx)
		if err != nil {
			if xerrors.Is(err, dlq.ErrNotFound) {
				return nil
			}
			return xerrors.Errorf("failed to receive message from dlq: %w", err)
		}

		resent, err := t.handleMessage(ctx, message)
		if err != nil {
			return err
		}
		if resent {
			return nil
		}
	}

	return nil
}

// handleMessage either deletes the message or sends it back to the queue, reporting which.
func (t *dlqReplayerTask) handleMessage(ctx context.Context, message *dlq.Message) (bool, error) {
	logger := t.logger.With(zap.String("topic", message.Topic), zap.Int("retries", message.Retries), zap.Reflect("data", message.Data))

	switch message.Topic {
	case dlq.FailedLogTopic:
		data, ok := message.Data.(*dlq.FailedLogData)
		if !ok {
			logger.Error("dropped message with unexpected payload")
			return false, t.dlq.DeleteMessage(ctx, message)
		}

		err := t.replay(ctx, data)
		switch {
		case err == nil:
			logger.Info("replayed failed log")
			return false, t.dlq.DeleteMessage(ctx, message)
		case xerrors.Is(err, errLogGone), xerrors.Is(err, parser.ErrUnknownEvent):
			logger.Info("dropped failed log", zap.Error(err))
			return false, t.dlq.DeleteMessage(ctx, message)
		case message.Retries >= t.maxRetries:
			logger.Error("giving up on failed log", zap.Error(err))
			return false, t.dlq.DeleteMessage(ctx, message)
		default:
			logger.Warn("failed to replay log", zap.Error(err))
			return true, t.dlq.ResendMessage(ctx, message)
		}

	default:
		logger.Error("received message with unknown topic")
		return true, t.dlq.ResendMessage(ctx, message)
	}
}

// replay fetches the failed log again, decodes it and persists its record and deltas idempotently.
func (t *dlqReplayerTask) replay(ctx context.Context, data *dlq.FailedLogData) error {
	if !common.IsHexAddress(data.Contract) {
		return xerrors.Errorf("invalid contract %q: %w", data.Contract, errLogGone)
	}

	logs, err := t.client.GetLogs(ctx, data.BlockNumber, data.BlockNumber, common.HexToAddress(data.Contract))
	if err != nil {
		return xerrors.Errorf("failed to get logs of block %v: %w", data.BlockNumber, err)
	}

	l, ok := findLog(logs, data)
	if !ok {
		return xerrors.Errorf("block %v, tx %v, index %v: %w", data.BlockNumber, data.TxHash, data.LogIndex, errLogGone)
	}

	event, err := t.parser.Decode(l)
	if err != nil {
		return xerrors.Errorf("failed to decode log: %w", err)
	}

	block, err := t.client.GetBlockByNumber(ctx, data.BlockNumber)
	if err != nil {
		return xerrors.Errorf("failed to get block %v: %w", data.BlockNumber, err)
	}
	event.Meta.BlockTimestamp = block.Timestamp

	record, deltas, err := t.processor.Apply(event)
	if err != nil {
		return xerrors.Errorf("failed to process log: %w", err)
	}

	if _, err := t.metaStorage.PersistEntries(ctx, []*model.BatchEntry{{Record: record, Deltas: deltas}}); err != nil {
		return xerrors.Errorf("failed to persist replayed log: %w", err)
	}
	return nil
}

func findLog(logs []types.Log, data *dlq.FailedLogData) (types.Log, bool) {
	for _, l := range logs {
		if l.Removed {
			continue
		}
		if l.Index == data.LogIndex && l.TxHash == common.HexToHash(data.TxHash) {
			return l, true
		}
	}
	return types.Log{}, false
}
