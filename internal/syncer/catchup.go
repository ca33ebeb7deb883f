package syncer

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/client"
	"github.com/coinbase/chainmirror/internal/blockchain/parser"
	"github.com/coinbase/chainmirror/internal/dlq"
	"github.com/coinbase/chainmirror/internal/storage/metastorage/model"
	"github.com/coinbase/chainmirror/internal/utils/log"
	"github.com/coinbase/chainmirror/internal/utils/utils"
)

type (
	// decodedBatch is the outcome of decoding the logs of one block range.
	decodedBatch struct {
		entries []*model.BatchEntry
		// failedBlocks holds the blocks with an undecodable log, in ascending order.
		failedBlocks []uint64
		unknown      int
		removed      int
	}
)

// catchUp persists block ranges until the checkpoint reaches the confirmed chain height.
func (s *syncerImpl) catchUp(ctx context.Context, sc *SyncContext) error {
	height, err := s.client.CurrentHeight(s.rpcContext(ctx, sc))
	if err != nil {
		return s.onRPCError(sc, xerrors.Errorf("failed to get current height: %w", err))
	}

	sc.chainHeight = height
	target, ok := s.target(height)
	for ok && sc.next <= target {
		if ctx.Err() != nil || len(s.refreshRequests) > 0 {
			return nil
		}

		from := sc.next
		to := utils.MinUint64(from+sc.chunkSize-1, target)
		withheld, err := s.syncBatch(ctx, sc, from, to)
		if err != nil {
			if client.IsRangeTooLarge(err) && sc.chunkSize > 1 {
				sc.shrinkChunk()
				s.metrics.rangeTooLarge.Inc(1)
				s.logger.Info(
					"shrinking chunk size",
					zap.Uint64("from", from),
					zap.Uint64("to", to),
					zap.Uint64("chunk_size", sc.chunkSize),
				)
				continue
			}
			return err
		}

		s.publish(sc)
		if withheld {
			// The failed block is retried on the next pass.
			break
		}
	}

	sc.state = StateLive
	return nil
}

// target returns the highest block considered final, if any.
func (s *syncerImpl) target(height uint64) (uint64, bool) {
	confirmations := s.config.Sync.Confirmations
	if height < confirmations {
		return 0, false
	}
	return height - confirmations, true
}

// syncBatch fetches, decodes and persists the logs of [from, to].
// It reports whether the checkpoint was withheld before a block with an undecodable log.
func (s *syncerImpl) syncBatch(ctx context.Context, sc *SyncContext, from uint64, to uint64) (bool, error) {
	start := time.Now()
	logger := log.WithBlockRange(s.logger, from, to)
	rpcCtx := s.rpcContext(ctx, sc)

	logs, err := s.client.GetLogs(rpcCtx, from, to, s.contract)
	if err != nil {
		if client.IsRangeTooLarge(err) {
			return false, err
		}
		return false, s.onRPCError(sc, xerrors.Errorf("failed to get logs [%v, %v]: %w", from, to, err))
	}

	timestamps, err := s.fetchTimestamps(rpcCtx, logs)
	if err != nil {
		return false, s.onRPCError(sc, xerrors.Errorf("failed to get block timestamps [%v, %v]: %w", from, to, err))
	}

	batch := s.decodeBatch(ctx, sc, logs, timestamps)

	checkpoint := to
	failedBlock, withheld := s.firstRetriedBlock(sc, batch.failedBlocks)
	if withheld {
		if failedBlock == from {
			// Nothing precedes the failed block in this range.
			logger.Warn(
				"withholding checkpoint before undecodable log",
				zap.Uint64("failed_block", failedBlock),
				zap.Int("pass", sc.countDecodePass(failedBlock)),
			)
			return true, nil
		}

		checkpoint = failedBlock - 1
		batch.entries = entriesUpTo(batch.entries, checkpoint)
	}

	inserted, err := s.persist(batch.entries, checkpoint)
	if err != nil {
		s.metrics.persistErrors.Inc(1)
		return false, newPersistenceError(from, to, err)
	}

	sc.setCheckpoint(checkpoint)
	if withheld {
		logger.Warn(
			"withholding checkpoint before undecodable log",
			zap.Uint64("failed_block", failedBlock),
			zap.Int("pass", sc.countDecodePass(failedBlock)),
		)
	}
	for block := range sc.decodeRetries {
		if block <= checkpoint {
			delete(sc.decodeRetries, block)
		}
	}
	sc.recordSuccess(s.config.Sync.GrowAfter)

	elapsed := time.Since(start)
	if seconds := elapsed.Seconds(); seconds > 0 {
		s.throughput.Add(float64(checkpoint-from+1) / seconds)
	}
	s.metrics.batchLatency.Record(elapsed)
	s.metrics.eventsInserted.Inc(int64(inserted))

	logger.Info(
		"synced batch",
		zap.Int("logs", len(logs)),
		zap.Int("inserted", inserted),
		zap.Int("unknown", batch.unknown),
		zap.Int("removed", batch.removed),
		zap.Int("failed_blocks", len(batch.failedBlocks)),
		zap.Uint64("checkpoint", checkpoint),
		zap.Duration("elapsed", elapsed),
	)
	return withheld, nil
}

// persist writes the batch on a context of its own so that shutdown does not abort a started batch.
func (s *syncerImpl) persist(entries []*model.BatchEntry, checkpoint uint64) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Sync.ShutdownTimeout)
	defer cancel()
	return s.metaStorage.PersistBatch(ctx, entries, checkpoint)
}

// fetchTimestamps returns the header timestamps of the blocks holding the given logs.
func (s *syncerImpl) fetchTimestamps(ctx context.Context, logs []types.Log) (map[uint64]uint64, error) {
	var heights []uint64
	seen := make(map[uint64]bool)
	for _, l := range logs {
		if l.Removed || seen[l.BlockNumber] {
			continue
		}
		seen[l.BlockNumber] = true
		heights = append(heights, l.BlockNumber)
	}

	timestamps := make(map[uint64]uint64, len(heights))
	if len(heights) == 0 {
		return timestamps, nil
	}

	blocks, err := s.client.BatchGetBlocks(ctx, heights)
	if err != nil {
		return nil, err
	}
	if len(blocks) != len(heights) {
		return nil, xerrors.Errorf("expected %v blocks, got %v", len(heights), len(blocks))
	}

	for i, block := range blocks {
		if block == nil {
			return nil, xerrors.Errorf("block %v: %w", heights[i], client.ErrBlockNotFound)
		}
		timestamps[heights[i]] = block.Timestamp
	}
	return timestamps, nil
}

// decodeBatch turns logs into batch entries. Undecodable logs are reported to the DLQ once per block.
func (s *syncerImpl) decodeBatch(ctx context.Context, sc *SyncContext, logs []types.Log, timestamps map[uint64]uint64) *decodedBatch {
	batch := &decodedBatch{}
	failed := make(map[uint64]bool)
	unreported := make(map[uint64]bool)

	for _, l := range logs {
		if l.Removed {
			batch.removed++
			s.metrics.removedLogs.Inc(1)
			continue
		}

		entry, err := s.decodeLog(l, timestamps[l.BlockNumber])
		if err == nil {
			batch.entries = append(batch.entries, entry)
			continue
		}

		if xerrors.Is(err, parser.ErrUnknownEvent) {
			batch.unknown++
			s.metrics.unknownEvents.Inc(1)
			s.logger.Debug(
				"skipping unknown event",
				zap.Uint64("block", l.BlockNumber),
				zap.String("tx_hash", l.TxHash.Hex()),
				zap.Uint("log_index", l.Index),
			)
			continue
		}

		s.metrics.decodeErrors.Inc(1)
		s.logger.Error(
			"failed to decode log",
			zap.Uint64("block", l.BlockNumber),
			zap.String("tx_hash", l.TxHash.Hex()),
			zap.Uint("log_index", l.Index),
			zap.Error(err),
		)
		failed[l.BlockNumber] = true

		if _, reported := sc.decodeRetries[l.BlockNumber]; reported {
			continue
		}
		if err := s.sendToDLQ(ctx, l, err); err != nil {
			s.logger.Error("failed to send log to dlq", zap.Uint64("block", l.BlockNumber), zap.Error(err))
			unreported[l.BlockNumber] = true
		}
	}

	for block := range failed {
		batch.failedBlocks = append(batch.failedBlocks, block)
		if _, ok := sc.decodeRetries[block]; !ok && !unreported[block] {
			sc.decodeRetries[block] = 0
		}
	}
	sort.Slice(batch.failedBlocks, func(i, j int) bool {
		return batch.failedBlocks[i] < batch.failedBlocks[j]
	})

	return batch
}

func (s *syncerImpl) decodeLog(l types.Log, timestamp uint64) (*model.BatchEntry, error) {
	event, err := s.parser.Decode(l)
	if err != nil {
		return nil, err
	}

	event.Meta.BlockTimestamp = timestamp
	record, deltas, err := s.processor.Apply(event)
	if err != nil {
		return nil, err
	}

	return &model.BatchEntry{
		Record: record,
		Deltas: deltas,
	}, nil
}

func (s *syncerImpl) sendToDLQ(ctx context.Context, l types.Log, cause error) error {
	return s.dlq.SendMessage(ctx, &dlq.Message{
		Topic: dlq.FailedLogTopic,
		Data: dlq.FailedLogData{
			Contract:    s.config.Contract.Address,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash.Hex(),
			LogIndex:    l.Index,
			Error:       cause.Error(),
		},
	})
}

// firstRetriedBlock returns the lowest failed block that has not exhausted its decode retries.
// Blocks past the limit are given up on; their logs stay in the DLQ.
func (s *syncerImpl) firstRetriedBlock(sc *SyncContext, failedBlocks []uint64) (uint64, bool) {
	for _, block := range failedBlocks {
		if sc.decodeRetries[block] >= s.config.Sync.MaxDecodeRetries {
			s.logger.Warn(
				"giving up on undecodable block",
				zap.Uint64("block", block),
				zap.Int("passes", sc.decodeRetries[block]),
			)
			continue
		}
		return block, true
	}
	return 0, false
}

func entriesUpTo(entries []*model.BatchEntry, block uint64) []*model.BatchEntry {
	var res []*model.BatchEntry
	for _, entry := range entries {
		if entry.Record.BlockNumber <= block {
			res = append(res, entry)
		}
	}
	return res
}

func (s *syncerImpl) onRPCError(sc *SyncContext, err error) error {
	s.metrics.rpcErrors.Inc(1)
	// Alternate between the primary and the failover endpoint groups.
	sc.failover = !sc.failover
	return err
}
