// Package pool provides a fixed-capacity, lazily-growing pool of generic
// resources: a half-capacity set is pre-warmed at construction, Acquire
// grows the pool on demand up to its cap, and beyond that blocks until a
// resource is released. internal/executor's concurrency-permit semaphore is
// built on this pool, with Resource standing in for a permit token rather
// than a pooled container handle.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Resource is one pooled unit. ID is a human-readable label surfaced in
// logs; it carries no other payload for a permit, which has no state to
// reuse beyond the fact of being held or free.
type Resource struct {
	ID string
}

// Pool manages a set of Resources up to maxSize, creating them lazily via
// New and disposing of them via Stop on Shutdown.
type Pool struct {
	pool        chan *Resource
	maxSize     int
	currentSize int
	mu          sync.Mutex
	closing     bool
	New         func(ctx context.Context) (*Resource, error)
	Stop        func(ctx context.Context, r *Resource)
}

// NewPool pre-warms half of maxSize's capacity by calling newFunc maxSize/2
// times; the remainder is created on demand the first time Acquire needs it.
func NewPool(ctx context.Context, maxSize int, newFunc func(ctx context.Context) (*Resource, error), stopFunc func(ctx context.Context, r *Resource)) (*Pool, error) {
	p := make(chan *Resource, maxSize)
	for i := 0; i < maxSize/2; i++ {
		r, err := newFunc(ctx)
		if err != nil {
			return nil, err
		}
		p <- r
	}
	return &Pool{
		pool:        p,
		maxSize:     maxSize,
		currentSize: maxSize / 2,
		New:         newFunc,
		Stop:        stopFunc,
	}, nil
}

var ErrPoolIsClosing = errors.New("pool is shutting down")

// Acquire returns a free resource, growing the pool if it hasn't reached
// maxSize yet, or blocking until one is released. It returns ctx's error if
// ctx is cancelled while blocked, unlike the pool this was adapted from.
func (p *Pool) Acquire(ctx context.Context) (*Resource, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, ErrPoolIsClosing
	}
	select {
	case r := <-p.pool:
		p.mu.Unlock()
		slog.DebugContext(ctx, "pool.Acquire returning existing resource", "id", r.ID)
		return r, nil
	default:
	}
	if p.currentSize < p.maxSize {
		p.currentSize++
		p.mu.Unlock()
		r, err := p.New(ctx)
		if err != nil {
			return nil, err
		}
		slog.DebugContext(ctx, "pool.Acquire created and acquired new resource", "id", r.ID)
		return r, nil
	}
	p.mu.Unlock()

	select {
	case r := <-p.pool:
		slog.DebugContext(ctx, "pool.Acquire returning existing resource after waiting", "id", r.ID)
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns r to the pool.
func (p *Pool) Release(ctx context.Context, r *Resource) {
	p.pool <- r
	slog.DebugContext(ctx, "pool.Release", "id", r.ID)
}

// Remove permanently removes r from the pool's accounting and returns the
// pool's new size.
func (p *Pool) Remove(ctx context.Context, r *Resource) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentSize--
	slog.DebugContext(ctx, "pool.Remove", "id", r.ID, "new_pool_size", p.currentSize)
	return p.currentSize
}

// Shutdown stops subsequent Acquire calls with ErrPoolIsClosing and drains
// every currently-free resource through Stop. Callers should pass a
// context with a deadline, since this blocks until every outstanding
// resource has been released back.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	for {
		select {
		case r := <-p.pool:
			p.Stop(ctx, r)
			if p.Remove(ctx, r) == 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
