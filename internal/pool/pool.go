// Package pool provides typed free-list pools for the values the tick path
// churns through every frame. Pools trade a bounded amount of retained memory
// for near-zero steady-state allocation.
package pool

import "sync"

// Stats reports occupancy and hit-rate figures for one pool.
type Stats struct {
	Category  string  `json:"category"`
	Free      int     `json:"free"`
	MaxFree   int     `json:"maxFree"`
	Acquired  uint64  `json:"acquired"`
	Reused    uint64  `json:"reused"`
	Allocated uint64  `json:"allocated"`
	Released  uint64  `json:"released"`
	Discarded uint64  `json:"discarded"`
	HitRate   float64 `json:"hitRate"`
}

// Pool is a bounded free list for values of type T. Release resets the value
// through the configured reset func before it can be handed out again, so an
// acquired value never carries state from its prior use.
type Pool[T any] struct {
	category string
	alloc    func() *T
	reset    func(*T)

	mu        sync.Mutex
	free      []*T
	maxFree   int
	acquired  uint64
	reused    uint64
	allocated uint64
	released  uint64
	discarded uint64
}

// New constructs a pool. maxFree caps the free list; releases beyond the cap
// discard the value instead of retaining it. alloc must never return nil.
func New[T any](category string, maxFree int, alloc func() *T, reset func(*T)) *Pool[T] {
	if maxFree < 0 {
		maxFree = 0
	}
	return &Pool[T]{
		category: category,
		alloc:    alloc,
		reset:    reset,
		maxFree:  maxFree,
	}
}

// Acquire returns a reusable value, allocating only when the free list is
// empty. Exhaustion is never an error.
func (p *Pool[T]) Acquire() *T {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.acquired++
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.reused++
		p.mu.Unlock()
		return v
	}
	p.allocated++
	p.mu.Unlock()
	return p.alloc()
}

// Release resets the value and returns it to the free list. If the free list
// is already at capacity the value is discarded for the garbage collector.
func (p *Pool[T]) Release(v *T) {
	if p == nil || v == nil {
		return
	}
	if p.reset != nil {
		p.reset(v)
	}
	p.mu.Lock()
	p.released++
	if len(p.free) < p.maxFree {
		p.free = append(p.free, v)
	} else {
		p.discarded++
	}
	p.mu.Unlock()
}

// Stats reports the pool's counters.
func (p *Pool[T]) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{
		Category:  p.category,
		Free:      len(p.free),
		MaxFree:   p.maxFree,
		Acquired:  p.acquired,
		Reused:    p.reused,
		Allocated: p.allocated,
		Released:  p.released,
		Discarded: p.discarded,
	}
	if p.acquired > 0 {
		stats.HitRate = float64(p.reused) / float64(p.acquired)
	}
	return stats
}
