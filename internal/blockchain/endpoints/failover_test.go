package endpoints

import (
	"context"
	"testing"

	"golang.org/x/xerrors"

	"github.com/coinbase/chainmirror/internal/config"
	"github.com/coinbase/chainmirror/internal/utils/testutil"
)

func TestFailoverManager(t *testing.T) {
	master := newTestProvider(t, groupMaster, config.EndpointGroup{
		Endpoints:         nodes("master"),
		EndpointsFailover: nodes("master-failover"),
	})
	subscription := newTestProvider(t, groupSubscription, config.EndpointGroup{
		Endpoints:         nodes("subscription"),
		EndpointsFailover: nodes("subscription-failover"),
	})
	manager := NewFailoverManager(FailoverManagerParams{Master: master, Subscription: subscription})

	tests := []struct {
		name         string
		clusters     ClusterIdentity
		master       string
		subscription string
	}{
		{name: "none", master: "master", subscription: "subscription"},
		{name: "master", clusters: MasterCluster, master: "master-failover", subscription: "subscription"},
		{name: "subscription", clusters: SubscriptionCluster, master: "master", subscription: "subscription-failover"},
		{name: "both", clusters: MasterCluster | SubscriptionCluster, master: "master-failover", subscription: "subscription-failover"},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			require := testutil.Require(t)

			ctx, err := manager.WithFailoverContext(context.Background(), test.clusters)
			require.NoError(err)

			endpoint, err := master.GetEndpoint(ctx)
			require.NoError(err)
			require.Equal(test.master, endpoint.Name)

			endpoint, err = subscription.PickEndpoint(ctx)
			require.NoError(err)
			require.Equal(test.subscription, endpoint.Name)
		})
	}
}

func TestFailoverManager_Unavailable(t *testing.T) {
	require := testutil.Require(t)

	manager := NewFailoverManager(FailoverManagerParams{
		Master:       newTestProvider(t, groupMaster, config.EndpointGroup{Endpoints: nodes("foo")}),
		Subscription: newTestProvider(t, groupSubscription, config.EndpointGroup{}),
	})

	for _, clusters := range []ClusterIdentity{MasterCluster, SubscriptionCluster} {
		_, err := manager.WithFailoverContext(context.Background(), clusters)
		require.Error(err)
		require.True(xerrors.Is(err, ErrFailoverUnavailable))
	}
}
