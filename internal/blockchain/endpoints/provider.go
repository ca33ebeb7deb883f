package endpoints

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/utils/log"
	"github.com/coinbase/chainmirror/internal/utils/picker"
)

type (
	// EndpointProvider routes requests of one endpoint group.
	// Requests stick to the active endpoint of an ordered list until a caller reports
	// a failure through Rotate. A failover context routes to the secondary list instead,
	// which is EndpointsFailover unless UseFailover swaps the two.
	EndpointProvider interface {
		// GetEndpoint returns the active endpoint.
		GetEndpoint(ctx context.Context) (*Endpoint, error)
		// PickEndpoint returns an endpoint chosen by weight, e.g. for long-lived subscriptions.
		PickEndpoint(ctx context.Context) (*Endpoint, error)
		// Rotate moves past failed if it is still the active endpoint.
		Rotate(ctx context.Context, failed *Endpoint)
		GetActiveEndpoints(ctx context.Context) []*Endpoint
		WithFailoverContext(ctx context.Context) (context.Context, error)
		Empty() bool
	}

	Endpoint struct {
		Name   string
		Config *config.Endpoint
		Client *http.Client

		requests  tally.Counter
		rotations tally.Counter
	}

	EndpointProviderParams struct {
		fx.In
		Config *config.Config
		Logger *zap.Logger
		Scope  tally.Scope
	}

	EndpointProviderResult struct {
		fx.Out
		Master       EndpointProvider `name:"master"`
		Subscription EndpointProvider `name:"subscription"`
	}

	provider struct {
		group     string
		logger    *zap.Logger
		primary   *ring
		secondary *ring
	}

	// ring is an ordered endpoint list with a cursor on the active endpoint.
	ring struct {
		mu      sync.Mutex
		active  int
		members []*Endpoint
		picker  picker.Picker[*Endpoint]
	}

	contextKey string
)

const (
	groupMaster       = "master"
	groupSubscription = "subscription"
)

var (
	ErrNoEndpoint          = xerrors.New("no endpoint is available")
	ErrFailoverUnavailable = xerrors.New("no endpoint is available for failover")
)

func NewEndpointProvider(params EndpointProviderParams) (EndpointProviderResult, error) {
	logger := log.WithPackage(params.Logger)
	scope := params.Scope.SubScope("endpoints")
	client := params.Config.Chain.Client

	master, err := newProvider(logger, scope, client.HttpTimeout, groupMaster, &client.Master.EndpointGroup)
	if err != nil {
		return EndpointProviderResult{}, err
	}

	// An empty subscription group leaves the chain client in polling mode.
	subscription, err := newProvider(logger, scope, client.HttpTimeout, groupSubscription, &client.Subscription.EndpointGroup)
	if err != nil {
		return EndpointProviderResult{}, err
	}

	return EndpointProviderResult{
		Master:       master,
		Subscription: subscription,
	}, nil
}

func newProvider(logger *zap.Logger, scope tally.Scope, timeout time.Duration, group string, cfg *config.EndpointGroup) (*provider, error) {
	scope = scope.Tagged(map[string]string{"endpoint_group": group})

	primary, err := newRing(scope, timeout, cfg.Endpoints, cfg.EndpointConfig)
	if err != nil {
		return nil, xerrors.Errorf("failed to create %v endpoints: %w", group, err)
	}
	secondary, err := newRing(scope, timeout, cfg.EndpointsFailover, cfg.EndpointConfigFailover)
	if err != nil {
		return nil, xerrors.Errorf("failed to create %v failover endpoints: %w", group, err)
	}

	if cfg.UseFailover {
		logger.Warn("using failover endpoints", zap.String("endpoint_group", group))
		primary, secondary = secondary, primary
	}

	return &provider{
		group:     group,
		logger:    logger,
		primary:   primary,
		secondary: secondary,
	}, nil
}

func newRing(scope tally.Scope, timeout time.Duration, endpoints []config.Endpoint, cfg config.EndpointConfig) (*ring, error) {
	r := &ring{members: make([]*Endpoint, len(endpoints))}
	choices := make([]picker.Choice[*Endpoint], len(endpoints))
	for i := range endpoints {
		ep := &endpoints[i]
		client, err := newHTTPClient(timeout, cfg.Headers)
		if err != nil {
			return nil, xerrors.Errorf("failed to create http client for %v: %w", ep.Name, err)
		}

		tagged := scope.Tagged(map[string]string{"endpoint_name": ep.Name})
		r.members[i] = &Endpoint{
			Name:      ep.Name,
			Config:    ep,
			Client:    client,
			requests:  tagged.Counter("requests"),
			rotations: tagged.Counter("rotations"),
		}
		choices[i] = picker.Choice[*Endpoint]{Item: r.members[i], Weight: int(ep.Weight)}
	}
	r.picker = picker.New(choices)
	return r, nil
}

func (p *provider) GetEndpoint(ctx context.Context) (*Endpoint, error) {
	return p.route(ctx).current()
}

func (p *provider) PickEndpoint(ctx context.Context) (*Endpoint, error) {
	r := p.route(ctx)
	if len(r.members) == 0 {
		return nil, ErrNoEndpoint
	}
	return r.picker.Next(), nil
}

func (p *provider) Rotate(ctx context.Context, failed *Endpoint) {
	next, ok := p.route(ctx).advance(failed)
	if !ok {
		return
	}

	failed.rotations.Inc(1)
	p.logger.Warn("rotating endpoint",
		zap.String("endpoint_group", p.group),
		zap.String("failed", failed.Name),
		zap.String("next", next.Name),
	)
}

func (p *provider) GetActiveEndpoints(ctx context.Context) []*Endpoint {
	return p.route(ctx).members
}

func (p *provider) WithFailoverContext(ctx context.Context) (context.Context, error) {
	if len(p.secondary.members) == 0 {
		return nil, ErrFailoverUnavailable
	}
	return context.WithValue(ctx, p.failoverKey(), true), nil
}

func (p *provider) Empty() bool {
	return len(p.primary.members) == 0
}

func (p *provider) route(ctx context.Context) *ring {
	if ctx.Value(p.failoverKey()) != nil {
		return p.secondary
	}
	return p.primary
}

// failoverKey is scoped to the group so failing over master leaves subscription alone.
func (p *provider) failoverKey() contextKey {
	return contextKey("failover:" + p.group)
}

func (r *ring) current() (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.members) == 0 {
		return nil, ErrNoEndpoint
	}
	return r.members[r.active], nil
}

// advance reports false when failed is no longer active, i.e. a concurrent caller already rotated.
func (r *ring) advance(failed *Endpoint) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.members) < 2 || r.members[r.active] != failed {
		return nil, false
	}
	r.active = (r.active + 1) % len(r.members)
	return r.members[r.active], true
}

func (e *Endpoint) IncRequestsCounter(n int64) {
	e.requests.Inc(n)
}
