package cron

import (
	"context"
	"time"
)

type (
	// Task is a periodic maintenance job of the indexer.
	Task interface {
		Name() string
		// Spec is the robfig/cron schedule, e.g. "@every 30s".
		Spec() string
		Parallelism() int64
		DelayStartDuration() time.Duration
		// Timeout bounds a single run; zero means no bound.
		Timeout() time.Duration
		Run(ctx context.Context) error
		Enabled() bool
	}
)
