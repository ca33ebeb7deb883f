package cron

import (
	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(fx.Annotated{
		Group:  "task",
		Target: NewDLQReplayer,
	}),
	fx.Provide(fx.Annotated{
		Group:  "task",
		Target: NewAggregateReconciler,
	}),
	fx.Provide(fx.Annotated{
		Group:  "task",
		Target: NewSyncLagMonitor,
	}),
)
