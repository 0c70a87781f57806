// Package fanout runs one task per item with bounded concurrency.
package fanout

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Run calls fn for every item with at most limit calls in flight (limit <= 0
// means unbounded) and returns the first error.
//
// Once any call has failed no further item is started. Calls already
// running receive ctx itself, not a derived context, so they are not
// cancelled by the failure and finish their work; Run returns only after
// all of them have.
func Run[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	var (
		mu     sync.Mutex
		failed bool
	)
	stopped := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed
	}

	var ctxErr error
	for _, item := range items {
		item := item // per-iteration copy (go 1.21 loop semantics)
		// Go blocks while limit calls are running, so this check sees any
		// failure among them before the next launch.
		if stopped() {
			break
		}
		if ctxErr = ctx.Err(); ctxErr != nil {
			break
		}
		g.Go(func() error {
			if stopped() {
				return nil
			}
			err := fn(ctx, item)
			if err != nil {
				mu.Lock()
				failed = true
				mu.Unlock()
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctxErr
}
