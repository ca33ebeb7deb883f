package endpoints

import (
	"context"

	"go.uber.org/fx"
	"golang.org/x/xerrors"
)

type (
	ClusterIdentity int

	// FailoverManager switches one or more endpoint groups to their failover lists for a context.
	FailoverManager interface {
		WithFailoverContext(ctx context.Context, clusters ClusterIdentity) (context.Context, error)
	}

	FailoverManagerParams struct {
		fx.In
		Master       EndpointProvider `name:"master"`
		Subscription EndpointProvider `name:"subscription"`
	}

	failoverManager struct {
		groups []clusterGroup
	}

	clusterGroup struct {
		id       ClusterIdentity
		name     string
		provider EndpointProvider
	}
)

const (
	MasterCluster ClusterIdentity = 1 << iota
	SubscriptionCluster
)

func NewFailoverManager(params FailoverManagerParams) FailoverManager {
	return &failoverManager{
		groups: []clusterGroup{
			{id: MasterCluster, name: groupMaster, provider: params.Master},
			{id: SubscriptionCluster, name: groupSubscription, provider: params.Subscription},
		},
	}
}

func (m *failoverManager) WithFailoverContext(ctx context.Context, clusters ClusterIdentity) (context.Context, error) {
	for _, group := range m.groups {
		if clusters&group.id == 0 {
			continue
		}

		var err error
		if ctx, err = group.provider.WithFailoverContext(ctx); err != nil {
			return nil, xerrors.Errorf("failed to failover the %v endpoint group: %w", group.name, err)
		}
	}
	return ctx, nil
}
