package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ClientPool is a bounded pool of client handles behind a counting
// semaphore. Acquire suspends until a permit is free; selection is
// round-robin by an atomic index. Guards are exclusive: callers hold them
// for the full upstream call and must Release them.
type ClientPool[T any] struct {
	clients []T
	locks   []sync.Mutex
	sem     *semaphore.Weighted
	next    atomic.Uint64
}

// NewClientPool creates a pool over the given handles. Permits equal the
// number of handles; the pool has no additional queue beyond the semaphore's
// FIFO discipline.
func NewClientPool[T any](clients []T) *ClientPool[T] {
	return &ClientPool[T]{
		clients: clients,
		locks:   make([]sync.Mutex, len(clients)),
		sem:     semaphore.NewWeighted(int64(len(clients))),
	}
}

// Size returns the number of pooled handles.
func (p *ClientPool[T]) Size() int {
	return len(p.clients)
}

// Acquire blocks until a permit is free and returns an exclusive guard over
// the next rotated handle. The error is non-nil only when ctx is done.
func (p *ClientPool[T]) Acquire(ctx context.Context) (*Guard[T], error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	index := int((p.next.Add(1) - 1) % uint64(len(p.clients)))
	p.locks[index].Lock()

	return &Guard[T]{
		value: p.clients[index],
		release: func() {
			p.locks[index].Unlock()
			p.sem.Release(1)
		},
	}, nil
}

// Guard is an exclusive hold on one pooled handle.
type Guard[T any] struct {
	value   T
	release func()
	once    sync.Once
}

// Value returns the guarded handle.
func (g *Guard[T]) Value() T {
	return g.value
}

// Release returns the handle and its permit to the pool. Safe to call more
// than once.
func (g *Guard[T]) Release() {
	g.once.Do(g.release)
}
