package syncgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type (
	// Group runs functions concurrently and cancels its context on the first error, like errgroup.
	// WithThrottling bounds the number of functions in flight: Go blocks until a slot frees up.
	Group interface {
		Go(fn func() error)
		Wait() error
	}

	Option func(group *group)

	group struct {
		eg  *errgroup.Group
		ctx context.Context
		sem *semaphore.Weighted
		// acquireErr is only written by the goroutine calling Go.
		acquireErr error
	}
)

func New(ctx context.Context, opts ...Option) (Group, context.Context) {
	eg, ctx := errgroup.WithContext(ctx)
	g := &group{eg: eg, ctx: ctx}
	for _, opt := range opts {
		opt(g)
	}
	return g, ctx
}

func WithThrottling(limit int) Option {
	return func(g *group) {
		if limit > 0 {
			g.sem = semaphore.NewWeighted(int64(limit))
		}
	}
}

func (g *group) Go(fn func() error) {
	if g.sem == nil {
		g.eg.Go(fn)
		return
	}

	// Acquire fails once a worker errored and the group context is canceled.
	if err := g.sem.Acquire(g.ctx, 1); err != nil {
		if g.acquireErr == nil {
			g.acquireErr = err
		}
		return
	}

	g.eg.Go(func() error {
		defer g.sem.Release(1)
		return fn()
	})
}

// Wait returns the first worker error, or the cancellation seen while throttling.
func (g *group) Wait() error {
	if err := g.eg.Wait(); err != nil {
		return err
	}
	return g.acquireErr
}
