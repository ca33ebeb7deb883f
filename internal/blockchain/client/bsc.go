package client

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/endpoints"
	"github.com/coinbase/chainmirror/internal/blockchain/jsonrpc"
	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	bscClient struct {
		config       *config.Config
		logger       *zap.Logger
		rpc          jsonrpc.Client
		subscription endpoints.EndpointProvider
		dialer       Dialer
	}

	// blockHeaderLit is the light version of the block header. Transactions are never requested.
	blockHeaderLit struct {
		Number     hexutil.Uint64 `json:"number"`
		Hash       common.Hash    `json:"hash"`
		ParentHash common.Hash    `json:"parentHash"`
		Timestamp  hexutil.Uint64 `json:"timestamp"`
	}

	logFilter struct {
		Address   common.Address `json:"address"`
		FromBlock string         `json:"fromBlock"`
		ToBlock   string         `json:"toBlock"`
	}
)

// All the supported methods are documented here: https://ethereum.org/en/developers/docs/apis/json-rpc/
var (
	// JSON RPC method to get the number of most recent block.
	ethBlockNumberMethod = &jsonrpc.RequestMethod{
		Name:    "eth_blockNumber",
		Timeout: time.Second * 5,
	}

	// JSON RPC method to get a block header by its number.
	ethGetBlockByNumberMethod = &jsonrpc.RequestMethod{
		Name:    "eth_getBlockByNumber",
		Timeout: time.Second * 10,
	}

	// JSON RPC method to get the logs matching a filter.
	ethGetLogsMethod = &jsonrpc.RequestMethod{
		Name:    "eth_getLogs",
		Timeout: time.Second * 30,
	}
)

// Nodes reject larger JSON-RPC batches, e.g. geth caps a batch at 1000 requests.
const blockBatchSize = 100

var _ Client = (*bscClient)(nil)

func (c *bscClient) CurrentHeight(ctx context.Context) (uint64, error) {
	response, err := c.rpc.Call(ctx, ethBlockNumberMethod, nil)
	if err != nil {
		return 0, &unavailableError{method: ethBlockNumberMethod.Name, err: err}
	}

	var result hexutil.Uint64
	if err := response.Unmarshal(&result); err != nil {
		return 0, xerrors.Errorf("failed to decode height: %w", err)
	}

	return uint64(result), nil
}

func (c *bscClient) GetBlockByNumber(ctx context.Context, height uint64) (*Block, error) {
	response, err := c.rpc.Call(ctx, ethGetBlockByNumberMethod, jsonrpc.Params{
		hexutil.EncodeUint64(height),
		false,
	})
	if err != nil {
		return nil, &unavailableError{method: ethGetBlockByNumberMethod.Name, err: err}
	}

	return c.parseBlock(response, height)
}

func (c *bscClient) BatchGetBlocks(ctx context.Context, heights []uint64) ([]*Block, error) {
	if len(heights) == 0 {
		return nil, nil
	}

	blocks := make([]*Block, 0, len(heights))
	for start := 0; start < len(heights); start += blockBatchSize {
		end := start + blockBatchSize
		if end > len(heights) {
			end = len(heights)
		}

		batch, err := c.getBlocks(ctx, heights[start:end])
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, batch...)
	}

	return blocks, nil
}

func (c *bscClient) getBlocks(ctx context.Context, heights []uint64) ([]*Block, error) {
	batchParams := make([]jsonrpc.Params, len(heights))
	for i, height := range heights {
		batchParams[i] = jsonrpc.Params{
			hexutil.EncodeUint64(height),
			false,
		}
	}

	responses, err := c.rpc.BatchCall(ctx, ethGetBlockByNumberMethod, batchParams)
	if err != nil {
		return nil, &unavailableError{method: ethGetBlockByNumberMethod.Name, err: err}
	}

	blocks := make([]*Block, len(responses))
	for i, response := range responses {
		block, err := c.parseBlock(response, heights[i])
		if err != nil {
			return nil, err
		}

		blocks[i] = block
	}

	return blocks, nil
}

func (c *bscClient) parseBlock(response *jsonrpc.Response, height uint64) (*Block, error) {
	if jsonrpc.IsNullOrEmpty(response.Result) {
		return nil, xerrors.Errorf("block %v: %w", height, ErrBlockNotFound)
	}

	var header blockHeaderLit
	if err := response.Unmarshal(&header); err != nil {
		return nil, xerrors.Errorf("failed to decode block %v: %w", height, err)
	}

	if uint64(header.Number) != height {
		return nil, xerrors.Errorf("unexpected block number: expected=%v, actual=%v", height, uint64(header.Number))
	}

	return &Block{
		Number:     uint64(header.Number),
		Hash:       header.Hash.Hex(),
		ParentHash: header.ParentHash.Hex(),
		Timestamp:  uint64(header.Timestamp),
	}, nil
}

func (c *bscClient) GetLogs(ctx context.Context, from uint64, to uint64, contract common.Address) ([]types.Log, error) {
	if from > to {
		return nil, xerrors.Errorf("from=%v, to=%v: %w", from, to, ErrInvalidRange)
	}

	response, err := c.rpc.Call(ctx, ethGetLogsMethod, jsonrpc.Params{
		&logFilter{
			Address:   contract,
			FromBlock: hexutil.EncodeUint64(from),
			ToBlock:   hexutil.EncodeUint64(to),
		},
	})
	if err != nil {
		if IsRangeTooLarge(err) {
			return nil, &rangeTooLargeError{from: from, to: to, err: err}
		}

		return nil, &unavailableError{method: ethGetLogsMethod.Name, err: err}
	}

	var logs []types.Log
	if err := response.Unmarshal(&logs); err != nil {
		return nil, xerrors.Errorf("failed to decode logs: %w", err)
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	log.WithBlockRange(c.logger, from, to).Debug("fetched logs", zap.Int("count", len(logs)))
	return logs, nil
}

func (c *bscClient) SupportsPush() bool {
	return !c.subscription.Empty()
}
