package client

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/endpoints"
)

type (
	// LogSubscriber is the subset of ethclient.Client used by the push stream.
	LogSubscriber interface {
		SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
		Close()
	}

	// Dialer opens a new connection to a WebSocket endpoint.
	Dialer func(ctx context.Context, url string) (LogSubscriber, error)

	logSubscription struct {
		logs      chan types.Log
		sub       ethereum.Subscription
		conn      LogSubscriber
		closeOnce sync.Once
	}
)

const (
	subscriptionBufferSize = 128
)

var _ Subscription = (*logSubscription)(nil)

func dialEthClient(ctx context.Context, url string) (LogSubscriber, error) {
	return ethclient.DialContext(ctx, url)
}

func (c *bscClient) SubscribeLogs(ctx context.Context, contract common.Address) (Subscription, error) {
	endpoint, err := c.subscription.PickEndpoint(ctx)
	if err != nil {
		if xerrors.Is(err, endpoints.ErrNoEndpoint) {
			return nil, ErrPushDisabled
		}

		return nil, xerrors.Errorf("failed to pick subscription endpoint: %w", err)
	}

	conn, err := c.dialer(ctx, endpoint.Config.Url)
	if err != nil {
		return nil, &unavailableError{method: "eth_subscribe", err: xerrors.Errorf("failed to dial %v: %w", endpoint.Name, err)}
	}

	logs := make(chan types.Log, subscriptionBufferSize)
	sub, err := conn.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{contract},
	}, logs)
	if err != nil {
		conn.Close()
		return nil, &unavailableError{method: "eth_subscribe", err: xerrors.Errorf("failed to subscribe on %v: %w", endpoint.Name, err)}
	}

	endpoint.IncRequestsCounter(1)
	c.logger.Info("subscribed to contract logs",
		zap.String("endpoint", endpoint.Name),
		zap.String("contract", contract.Hex()),
	)

	return &logSubscription{
		logs: logs,
		sub:  sub,
		conn: conn,
	}, nil
}

func (s *logSubscription) Logs() <-chan types.Log {
	return s.logs
}

// Err delivers the error that terminated the stream. The channel is closed after Close.
func (s *logSubscription) Err() <-chan error {
	return s.sub.Err()
}

func (s *logSubscription) Close() {
	s.closeOnce.Do(func() {
		s.sub.Unsubscribe()
		s.conn.Close()
	})
}
