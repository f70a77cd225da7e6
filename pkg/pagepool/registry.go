package pagepool

import (
	"container/list"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vramkit/pagepool/pkg/logger"
	"github.com/vramkit/pagepool/pkg/metrics"
)

// ShrinkEmpty is the sentinel returned by ShrinkCount when no pages are
// pooled, letting the memory-pressure subsystem skip scanning entirely.
const ShrinkEmpty int64 = -1

// Registry is the process-wide ordered collection of live pools, visited
// round-robin by the shrinker. It is constructed explicitly and injected
// into every allocator instance; there is no package-level registry.
//
// The registry lock guards only list membership and round-robin order. It
// is distinct from every pool's own lock, and a pool lock is never held
// across the blocking true-free path.
type Registry struct {
	mu    sync.Mutex
	order *list.List // of *Pool, head is next shrink victim
	elems map[*Pool]*list.Element

	total atomic.Int64
	max   atomic.Int64

	log *zap.Logger
}

// NewRegistry creates an empty registry with no pooled-page maximum.
func NewRegistry() *Registry {
	return &Registry{
		order: list.New(),
		elems: make(map[*Pool]*list.Element),
		log:   logger.Get().Named("registry"),
	}
}

// Register adds a pool to the shrinker rotation. Registration is a weak,
// non-owning reference; the pool stays owned by whichever allocator
// created it.
func (r *Registry) Register(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.elems[p]; ok {
		return
	}
	r.elems[p] = r.order.PushBack(p)
}

// Unregister removes a pool from the shrinker rotation. Must happen before
// the pool is destroyed.
func (r *Registry) Unregister(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.elems[p]; ok {
		r.order.Remove(e)
		delete(r.elems, p)
	}
}

// Len returns the number of registered pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// TotalPages returns the aggregate pooled page count across all pools.
// Eventually consistent with the sum of the individual pool sizes; never
// recomputed by summation.
func (r *Registry) TotalPages() int64 {
	return r.total.Load()
}

// SetMaxPages sets the maximum number of pages retained across all pools.
// Zero means unbounded. Lowering the limit does not proactively evict;
// eviction happens lazily on the next drain or shrink pass.
func (r *Registry) SetMaxPages(max int64) {
	r.max.Store(max)
}

// MaxPages returns the configured maximum pooled page count.
func (r *Registry) MaxPages() int64 {
	return r.max.Load()
}

// ShrinkOne removes at most one group from the pool at the head of the
// round-robin order, true-frees it, and moves that pool to the tail so
// repeated shrink calls visit every pool fairly. Returns the number of
// pages freed, zero when the selected pool was empty.
func (r *Registry) ShrinkOne() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	front := r.order.Front()
	if front == nil {
		return 0
	}
	p := front.Value.(*Pool)
	r.order.MoveToBack(front)

	g, ok := p.Remove()
	if !ok {
		return 0
	}

	// The pool lock is released; the free may block on the device.
	p.free(g)

	freed := g.Pages()
	metrics.ShrinkFreedPages.Add(float64(freed))
	r.log.Debug("shrunk pool",
		zap.String("caching", p.caching.String()),
		zap.Int("order", p.order),
		zap.Int64("freed_pages", freed))
	return freed
}

// ShrinkCount returns the aggregate pooled page count, or ShrinkEmpty when
// nothing is pooled. This is the count half of the reclaim contract.
func (r *Registry) ShrinkCount() int64 {
	count := r.total.Load()
	if count == 0 {
		return ShrinkEmpty
	}
	return count
}

// ShrinkScan frees pooled pages until at least target pages have been
// freed or the aggregate count reaches zero, whichever comes first. This
// is the externally driven reclaim entry point. A zero target is a no-op.
//
// Termination does not depend on concurrent refills: the scan stops once
// the aggregate is observed as zero, and bails if a full round-robin pass
// over the pools frees nothing.
func (r *Registry) ShrinkScan(target int64) int64 {
	if target <= 0 {
		return 0
	}
	metrics.ShrinkScans.Inc()

	var freed int64
	emptyRounds := 0
	for freed < target && r.total.Load() > 0 {
		n := r.ShrinkOne()
		if n == 0 {
			emptyRounds++
			if emptyRounds > r.Len() {
				break
			}
			continue
		}
		emptyRounds = 0
		freed += n
	}

	if freed > 0 {
		r.log.Debug("shrink scan complete",
			zap.Int64("target", target),
			zap.Int64("freed", freed))
	}
	return freed
}

// EnforceLimit shrinks pools until the aggregate pooled page count is back
// under the configured maximum. Called by the releaser after every drain;
// a no-op when no maximum is configured. Returns the pages freed.
func (r *Registry) EnforceLimit() int64 {
	max := r.max.Load()
	if max <= 0 {
		return 0
	}

	var freed int64
	emptyRounds := 0
	for r.total.Load() > max {
		n := r.ShrinkOne()
		if n == 0 {
			emptyRounds++
			if emptyRounds > r.Len() {
				break
			}
			continue
		}
		emptyRounds = 0
		freed += n
	}
	return freed
}
