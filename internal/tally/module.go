package tally

import (
	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(NewStatsReporter),
	fx.Provide(NewRootScope),
)
