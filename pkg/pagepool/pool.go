// Package pagepool implements a deferred page pooling allocator with
// shrinker-driven reclaim for graphics memory managers.
//
// Changing the caching attribute of a page (write-combined, uncached) or
// performing a coherent DMA allocation is expensive: it requires cross-CPU
// TLB invalidation or bus-level setup. The package amortizes that cost by
// retaining freed page groups in per-(caching mode, order) pools instead of
// returning them to the system, and gives the memory back under pressure
// through a round-robin shrinker.
//
// The package provides:
//   - Pool: a concurrent free list for one (caching mode, order) class
//   - Registry: the process-wide pool collection and reclaim entry points
//   - Manager/Allocator: the multi-page fill and drain algorithm
//   - DeferredPool: a dirty/clean variant with background zeroing
//
// Example usage:
//
//	mgr := pagepool.NewManager(dev, cfg)
//	defer mgr.Close()
//
//	alloc := mgr.NewAllocator("display-0")
//	defer alloc.Close()
//
//	set := &pagepool.PageSet{Pages: 64, Caching: pagepool.CachingWriteCombined}
//	if err := alloc.Fill(ctx, set, pagepool.FillOptions{}); err != nil {
//	    return err
//	}
//	defer alloc.Drain(set)
package pagepool

import (
	"fmt"
	"sync"

	"github.com/vramkit/pagepool/pkg/metrics"
)

// FreeFunc performs the true free of a page group: attribute reset plus
// returning the memory to the system. Invoked by the shrinker and by pool
// teardown; may block on device or bus operations, so it is never called
// while a pool lock is held.
type FreeFunc func(*PageGroup)

// Pool is a free list of page groups that all share one allocation order
// and one caching mode. Add and Remove are safe for concurrent use; the
// critical sections are bounded and never perform I/O.
//
// Invariant: every resident group has exactly 2^order pages and already
// carries the pool's caching attribute. Attribute transitions happen once,
// before insertion, never twice.
type Pool struct {
	mu       sync.Mutex
	groups   []*PageGroup // FIFO: append at tail, remove from head
	pages    int64
	order    int
	caching  Caching
	free     FreeFunc
	registry *Registry
}

// NewPool creates a pool for one (caching mode, order) class and registers
// it with the registry for shrinking. The free function is used by the
// shrinker and by Destroy to return groups to the system.
func NewPool(registry *Registry, caching Caching, order int, free FreeFunc) *Pool {
	p := &Pool{
		order:    order,
		caching:  caching,
		free:     free,
		registry: registry,
	}
	registry.Register(p)
	return p
}

// Order returns the pool's allocation order.
func (p *Pool) Order() int { return p.order }

// Caching returns the pool's caching mode.
func (p *Pool) Caching() Caching { return p.caching }

// Add inserts a group into the free list. The caller must have already
// sanitized the pages and applied the pool's caching attribute; Add does
// no work beyond bookkeeping. Ownership of the group moves to the pool.
//
// A group whose order or caching mode does not match the pool is a
// programming-contract violation and panics rather than silently
// corrupting pool state.
func (p *Pool) Add(g *PageGroup) {
	if g.order != p.order || g.caching != p.caching {
		panic(fmt.Sprintf("pagepool: group (%s, order %d) added to pool (%s, order %d)",
			g.caching, g.order, p.caching, p.order))
	}

	n := g.Pages()
	p.mu.Lock()
	p.groups = append(p.groups, g)
	p.pages += n
	p.mu.Unlock()

	p.registry.total.Add(n)
	metrics.PooledPages.WithLabelValues(p.caching.String()).Add(float64(n))
}

// Remove pops the oldest group from the free list. The second return is
// false when the pool is empty; that is a normal result, not an error.
// Never blocks.
func (p *Pool) Remove() (*PageGroup, bool) {
	p.mu.Lock()
	if len(p.groups) == 0 {
		p.mu.Unlock()
		return nil, false
	}
	g := p.groups[0]
	p.groups = p.groups[1:]
	p.pages -= g.Pages()
	p.mu.Unlock()

	p.registry.total.Add(-g.Pages())
	metrics.PooledPages.WithLabelValues(p.caching.String()).Sub(float64(g.Pages()))
	return g, true
}

// Size returns a snapshot of the pooled page count. Advisory only: it may
// be stale the moment it returns.
func (p *Pool) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages
}

// Destroy removes the pool from the registry and true-frees every
// remaining group. Must be called at most once, and the caller must
// guarantee no concurrent Add/Remove once teardown starts.
func (p *Pool) Destroy() {
	p.registry.Unregister(p)

	for {
		g, ok := p.Remove()
		if !ok {
			return
		}
		p.free(g)
	}
}
