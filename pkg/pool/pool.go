// Package pool provides bounded free-list pools for registry objects and
// matching-criteria containers. Pools amortize allocation cost only; a pool
// miss falls back to fresh allocation and is never an error.
package pool

import "sync"

// DefaultCapacity bounds the free list of a pool constructed with
// capacity <= 0.
const DefaultCapacity = 10

// Stats is a snapshot of a pool's diagnostic counters.
type Stats struct {
	Borrows int // total Get calls
	Returns int // total Put calls that fit the free list
	Misses  int // Get calls served by fresh allocation
	InUse   int // currently borrowed
	Peak    int // high-water mark of InUse
	Free    int // currently pooled
}

// Pool is a bounded free list. The zero value is not usable; construct with
// New.
type Pool[T any] struct {
	mu    sync.Mutex
	free  []T
	cap   int
	alloc func() T
	reset func(T)

	borrows int
	returns int
	misses  int
	inUse   int
	peak    int
}

// New builds a pool holding at most capacity free items. alloc produces a
// fresh item on pool miss; reset, when non-nil, restores a returned item to
// its zero state before it is pooled.
func New[T any](capacity int, alloc func() T, reset func(T)) *Pool[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool[T]{
		free:  make([]T, 0, capacity),
		cap:   capacity,
		alloc: alloc,
		reset: reset,
	}
}

// Get borrows an item, allocating when the free list is empty.
func (p *Pool[T]) Get() T {
	p.mu.Lock()
	p.borrows++
	p.inUse++
	if p.inUse > p.peak {
		p.peak = p.inUse
	}
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		var zero T
		p.free[n-1] = zero
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return v
	}
	p.misses++
	p.mu.Unlock()
	return p.alloc()
}

// Put returns an item to the pool. Items beyond capacity are dropped for the
// garbage collector.
func (p *Pool[T]) Put(v T) {
	if p.reset != nil {
		p.reset(v)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse > 0 {
		p.inUse--
	}
	if len(p.free) >= p.cap {
		return
	}
	p.returns++
	p.free = append(p.free, v)
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Borrows: p.borrows,
		Returns: p.returns,
		Misses:  p.misses,
		InUse:   p.inUse,
		Peak:    p.peak,
		Free:    len(p.free),
	}
}
