package vectorindex

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// offload 在受限的工作协程中执行阻塞的 SDK 调用，调用方可随 ctx 提前返回。
func offload[T any](ctx context.Context, workers *semaphore.Weighted, fn func() (T, error)) (T, error) {
	var zero T
	if err := workers.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer workers.Release(1)
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
