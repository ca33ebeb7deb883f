package client

//go:generate mockgen -destination=mocks/mocks.go -package=clientmocks . Client,Subscription

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/endpoints"
	"github.com/coinbase/chainmirror/internal/blockchain/jsonrpc"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/log"
)

type (
	Client interface {
		// CurrentHeight returns the height of the latest block.
		CurrentHeight(ctx context.Context) (uint64, error)

		// GetBlockByNumber fetches the header of the block at the given height.
		GetBlockByNumber(ctx context.Context, height uint64) (*Block, error)

		// BatchGetBlocks fetches the headers of the given heights in one round-trip.
		// The result is in the same order as heights.
		BatchGetBlocks(ctx context.Context, heights []uint64) ([]*Block, error)

		// GetLogs returns the logs emitted by contract in the inclusive range [from, to],
		// sorted by (block number, log index).
		GetLogs(ctx context.Context, from uint64, to uint64, contract common.Address) ([]types.Log, error)

		// SubscribeLogs opens a new push stream of the logs emitted by contract.
		// Every call dials a new connection.
		SubscribeLogs(ctx context.Context, contract common.Address) (Subscription, error)

		// SupportsPush reports whether a subscription endpoint is configured.
		SupportsPush() bool
	}

	Subscription interface {
		Logs() <-chan types.Log
		Err() <-chan error
		Close()
	}

	Block struct {
		Number     uint64
		Hash       string
		ParentHash string
		Timestamp  uint64
	}

	Params struct {
		fx.In
		fxparams.Params
		Master       jsonrpc.Client             `name:"master"`
		Subscription endpoints.EndpointProvider `name:"subscription"`
		Dialer       Dialer                     `optional:"true"` // Injected by unit test.
	}

	unavailableError struct {
		method string
		err    error
	}

	rangeTooLargeError struct {
		from uint64
		to   uint64
		err  error
	}
)

var (
	ErrRPCUnavailable = xerrors.New("rpc unavailable")
	ErrRangeTooLarge  = xerrors.New("block range too large")
	ErrBlockNotFound  = xerrors.New("block not found")
	ErrInvalidRange   = xerrors.New("invalid block range")
	ErrPushDisabled   = xerrors.New("no subscription endpoint is configured")
)

const (
	// Returned by most geth-based nodes when a log query exceeds the server-side limits.
	rangeTooLargeCode = -32005
)

// Messages used by public providers to reject a log query because of its span or size.
var rangeTooLargeMessages = []string{
	"query returned more than",
	"block range",
	"range too large",
	"limit exceeded",
	"too many blocks",
	"exceed maximum block range",
	"response size exceeded",
}

func New(params Params) Client {
	logger := log.WithPackage(params.Logger)
	dialer := params.Dialer
	if dialer == nil {
		dialer = dialEthClient
	}

	var client Client = &bscClient{
		config:       params.Config,
		logger:       logger,
		rpc:          params.Master,
		subscription: params.Subscription,
		dialer:       dialer,
	}

	return WithInstrumentInterceptor(client, params.Metrics, logger)
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%v (method=%v): %v", ErrRPCUnavailable, e.method, e.err)
}

func (e *unavailableError) Unwrap() error {
	return e.err
}

func (e *unavailableError) Is(target error) bool {
	return target == ErrRPCUnavailable
}

func (e *rangeTooLargeError) Error() string {
	return fmt.Sprintf("%v (from=%v, to=%v): %v", ErrRangeTooLarge, e.from, e.to, e.err)
}

func (e *rangeTooLargeError) Unwrap() error {
	return e.err
}

func (e *rangeTooLargeError) Is(target error) bool {
	return target == ErrRangeTooLarge
}

// IsRangeTooLarge reports whether err is an endpoint rejection of the queried span.
func IsRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}

	if xerrors.Is(err, ErrRangeTooLarge) {
		return true
	}

	var errRPC *jsonrpc.RPCError
	if xerrors.As(err, &errRPC) {
		if errRPC.Code == rangeTooLargeCode {
			return true
		}

		return matchesRangeTooLarge(errRPC.Message)
	}

	var errHTTP *jsonrpc.HTTPError
	if xerrors.As(err, &errHTTP) {
		return matchesRangeTooLarge(errHTTP.Response)
	}

	return false
}

func matchesRangeTooLarge(message string) bool {
	message = strings.ToLower(message)
	for _, candidate := range rangeTooLargeMessages {
		if strings.Contains(message, candidate) {
			return true
		}
	}

	return false
}
