// Package workpool bounds concurrent work with channel semaphores.
package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned by Pool.Do when every slot is busy and the wait
// queue is at capacity.
var ErrQueueFull = errors.New("workpool: queue full")

// Pool runs at most Size functions at once and admits at most QueueDepth
// more callers waiting for a slot. Callers beyond that are turned away.
type Pool struct {
	sem      chan struct{}
	admitted atomic.Int64
	limit    int64
}

// New creates a Pool. size is clamped to at least 1, queueDepth to at least 0.
func New(size, queueDepth int) *Pool {
	size = max(size, 1)
	queueDepth = max(queueDepth, 0)
	return &Pool{
		sem:   make(chan struct{}, size),
		limit: int64(size + queueDepth),
	}
}

// Do runs fn once a slot is free. It returns ErrQueueFull without running fn
// when the pool is saturated, and ctx.Err() if ctx ends while waiting.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if p.admitted.Add(1) > p.limit {
		p.admitted.Add(-1)
		return ErrQueueFull
	}
	defer p.admitted.Add(-1)

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn(ctx)
}

// InFlight returns the number of admitted callers, running or waiting.
func (p *Pool) InFlight() int {
	return int(p.admitted.Load())
}

// ForEach calls fn for every item with at most limit calls running at once
// and returns when all have finished. limit is clamped to 1..len(items).
// Items not yet started when ctx ends are skipped.
func ForEach[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, i int, item T)) {
	if len(items) == 0 {
		return
	}
	limit = min(max(limit, 1), len(items))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, item := range items {
		i, item := i, item
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, i, item)
		}()
	}
	wg.Wait()
}
