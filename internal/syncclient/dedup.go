package syncclient

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Deduplicator shares one in-flight call among concurrent callers asking for
// the same key. A key is forgotten as soon as its call returns, success or
// failure.
type Deduplicator struct {
	group singleflight.Group
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// Do runs fn once per in-flight key. fn runs detached from the first caller's
// cancellation; a caller whose ctx ends stops waiting without affecting the
// others.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (value any, shared bool, err error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(flightCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops key so the next call starts a fresh fetch even if one is
// still running.
func (d *Deduplicator) Forget(key string) {
	d.group.Forget(key)
}

// Fetch is the typed form of Do.
func Fetch[T any](ctx context.Context, d *Deduplicator, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	value, _, err := d.Do(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil || value == nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("dedup %q: unexpected result type %T", key, value)
	}
	return typed, nil
}
