package memory

import "go.uber.org/fx"

var Module = fx.Options(
	fx.Provide(fx.Annotated{
		Name:   "dlq/memory",
		Target: NewFactory,
	}),
)
