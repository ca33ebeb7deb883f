package jsonrpc

//go:generate mockgen -destination=mocks/mocks.go -package=jsonrpcmocks . Client,HTTPClient

import (
	"context"

	"github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/blockchain/endpoints"
	"github.com/coinbase/chainmirror/internal/utils/fxparams"
	"github.com/coinbase/chainmirror/internal/utils/instrument"
	"github.com/coinbase/chainmirror/internal/utils/log"
	"github.com/coinbase/chainmirror/internal/utils/retry"
)

type (
	// Client speaks JSON-RPC 2.0 over HTTP to the configured node group.
	// Transient failures are retried, each retry against the next endpoint.
	Client interface {
		Call(ctx context.Context, method *RequestMethod, params Params, opts ...Option) (*Response, error)
		BatchCall(ctx context.Context, method *RequestMethod, batchParams []Params, opts ...Option) ([]*Response, error)
	}

	ClientParams struct {
		fx.In
		fxparams.Params
		Master     endpoints.EndpointProvider `name:"master"`
		HTTPClient HTTPClient                 `optional:"true"`
	}

	ClientResult struct {
		fx.Out
		Master Client `name:"master"`
	}

	Option func(opts *callOptions)

	callOptions struct {
		allowRPCError bool
	}

	client struct {
		logger    *zap.Logger
		scope     tally.Scope
		override  HTTPClient
		retry     retry.Retry
		endpoints endpoints.EndpointProvider
	}
)

// maxLoggedParams caps the params attached to the request logger.
const maxLoggedParams = 10

func New(params ClientParams) (ClientResult, error) {
	logger := log.WithPackage(params.Logger)
	return ClientResult{
		Master: &client{
			logger:   logger,
			scope:    params.Metrics.SubScope("jsonrpc"),
			override: params.HTTPClient,
			retry: retry.New(
				retry.WithLogger(logger),
				retry.WithMaxAttempts(params.Config.Chain.Client.Retry.MaxAttempts),
			),
			endpoints: params.Master,
		},
	}, nil
}

// WithAllowsRPCError returns responses carrying an RPCError instead of failing the call,
// e.g. to tell "header not found" apart from transport failures.
func WithAllowsRPCError() Option {
	return func(opts *callOptions) {
		opts.allowRPCError = true
	}
}

func (c *client) Call(ctx context.Context, method *RequestMethod, params Params, opts ...Option) (*Response, error) {
	request := newRequest(method, params, 0)

	var reply *Response
	var node string
	err := c.attempt(ctx, method, []Params{params}, func(ctx context.Context, x *exchange) error {
		node = x.endpoint.Name
		reply = new(Response)
		if err := x.do(ctx, request, reply); err != nil {
			return xerrors.Errorf("failed to make http request (method=%v, params=%v, endpoint=%v): %w", method, params, node, err)
		}
		return nil
	})

	switch {
	case err != nil && (reply == nil || reply.Error == nil):
		return nil, err
	case reply.Error != nil && !apply(opts).allowRPCError:
		// A JSON-RPC error is more specific than the HTTP status it arrived with.
		return nil, xerrors.Errorf("received rpc error (method=%v, params=%v, endpoint=%v): %w", method, params, node, reply.Error)
	default:
		return reply, nil
	}
}

func (c *client) BatchCall(ctx context.Context, method *RequestMethod, batchParams []Params, opts ...Option) ([]*Response, error) {
	requests := make([]*Request, len(batchParams))
	for i := range batchParams {
		requests[i] = newRequest(method, batchParams[i], i)
	}
	allowRPCError := apply(opts).allowRPCError

	var sorted []*Response
	err := c.attempt(ctx, method, batchParams, func(ctx context.Context, x *exchange) error {
		var replies []Response
		if err := x.do(ctx, requests, &replies); err != nil {
			return xerrors.Errorf("failed to make http request (method=%v, endpoint=%v): %w", method, x.endpoint.Name, err)
		}

		var err error
		if sorted, err = sortBatch(replies, len(requests), allowRPCError); err != nil {
			return xerrors.Errorf("invalid batch response (method=%v, endpoint=%v): %w", method, x.endpoint.Name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sorted, nil
}

// attempt runs fn under retry. Each try picks the current endpoint and is
// instrumented per method and endpoint; a retryable failure rotates the endpoint.
func (c *client) attempt(ctx context.Context, method *RequestMethod, params []Params, fn func(ctx context.Context, x *exchange) error) error {
	logged := params
	if len(logged) > maxLoggedParams {
		logged = logged[:maxLoggedParams]
	}
	logger := c.logger.With(
		zap.String("method", method.Name),
		zap.Int("numParams", len(params)),
		zap.Reflect("params", logged),
	)

	return c.retry.Retry(ctx, func(ctx context.Context) error {
		endpoint, err := c.endpoints.GetEndpoint(ctx)
		if err != nil {
			return xerrors.Errorf("failed to get endpoint for request: %w", err)
		}
		endpoint.IncRequestsCounter(int64(len(params)))

		x := &exchange{endpoint: endpoint, client: c.override, timeout: method.Timeout}
		if x.client == nil {
			x.client = endpoint.Client
		}

		op := instrument.New(
			c.scope.Tagged(map[string]string{"method": method.Name, "endpoint": endpoint.Name}),
			"request",
			instrument.WithLogger(logger.With(zap.String("endpoint", endpoint.Name)), "jsonrpc.request"),
		)
		err = op.Instrument(ctx, func(ctx context.Context) error {
			return fn(ctx, x)
		})
		if err != nil && retry.IsRetryable(err) {
			c.endpoints.Rotate(ctx, endpoint)
		}
		return err
	})
}

func apply(opts []Option) callOptions {
	var options callOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
