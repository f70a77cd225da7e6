package pagepool

import (
	"context"
	"math/bits"
	"strconv"

	"go.uber.org/zap"

	"github.com/vramkit/pagepool/pkg/errors"
	"github.com/vramkit/pagepool/pkg/metrics"
)

// PageSet is the multi-page buffer object the allocator fills and drains.
// After a successful Fill, Groups is an ordered sequence of page groups
// whose orders sum to exactly Pages.
type PageSet struct {
	// Pages is the requested total page count
	Pages int64
	// Caching is the memory attribute the pages must carry
	Caching Caching
	// Groups holds the page groups backing the set; owned by the client
	// between Fill and Drain
	Groups []*PageGroup
}

// FillOptions are the per-fill flags.
type FillOptions struct {
	// Zero requests zero-filled pages for fresh allocations. Pooled
	// groups are reused as-is; use the deferred-zeroing pool variant
	// when sanitized reuse is required.
	Zero bool
	// NoRetry bounds allocation latency by forbidding reclaim retries
	// in the backing allocator
	NoRetry bool
	// MapBus requests a device/bus mapping for every group
	MapBus bool
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithCoherent routes all allocations through the coherent DMA allocator
// and gives the allocator private per-order pools.
func WithCoherent() Option {
	return func(a *Allocator) { a.useCoherent = true }
}

// WithDMA32 restricts fresh allocations to the 32-bit addressable range
// and selects the DMA32 replicas of the shared pools.
func WithDMA32() Option {
	return func(a *Allocator) { a.useDMA32 = true }
}

// WithMaxOrder overrides the largest order this allocator will request.
func WithMaxOrder(order int) Option {
	return func(a *Allocator) { a.maxOrder = order }
}

// Allocator fills and drains page sets for one device context. Fills are
// satisfied from the matching pools first and fall back to fresh
// allocation across a descending sequence of orders; drains return groups
// to the pools instead of freeing them.
//
// Pool interaction is strictly pop-then-release-lock: fresh allocation,
// attribute changes, and bus mapping never run under a pool lock.
type Allocator struct {
	name string
	dev  Device
	mgr  *Manager
	reg  *Registry

	useCoherent bool
	useDMA32    bool
	maxOrder    int

	// coherent pools are private and keyed by order only: every coherent
	// group shares the same coherent bus behavior regardless of the
	// caching mode the fill asked for
	coherent []*Pool

	log *zap.Logger
}

// NewAllocator creates an allocator backed by the manager's device and
// registry. Coherent allocators get their own per-order pools; everything
// else shares the manager's global sets.
func (m *Manager) NewAllocator(name string, opts ...Option) *Allocator {
	a := &Allocator{
		name:     name,
		dev:      m.dev,
		mgr:      m,
		reg:      m.reg,
		maxOrder: m.maxOrder,
		log:      m.log.Named(name),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.useCoherent {
		a.coherent = make([]*Pool, a.maxOrder+1)
		for order := range a.coherent {
			a.coherent[order] = NewPool(m.reg, CachingCached, order, a.freeGroup)
		}
	}
	return a
}

// Close destroys the allocator's private pools. The caller must guarantee
// no fill or drain is in flight.
func (a *Allocator) Close() {
	for _, p := range a.coherent {
		p.Destroy()
	}
	a.coherent = nil
}

// selectPool returns the pool for the given class, or nil when the class
// is not pooled at this order.
func (a *Allocator) selectPool(caching Caching, order int) *Pool {
	if a.useCoherent {
		if order >= 0 && order < len(a.coherent) {
			return a.coherent[order]
		}
		return nil
	}
	return a.mgr.selectShared(caching, order, a.useDMA32)
}

// selectDeferred returns the deferred-zeroing pool for the class when the
// manager runs in deferred mode. Coherent allocators keep their private
// plain pools either way.
func (a *Allocator) selectDeferred(caching Caching, order int) *DeferredPool {
	if a.useCoherent {
		return nil
	}
	return a.mgr.selectSharedDeferred(caching, order, a.useDMA32)
}

// Fill populates the page set with groups totalling exactly set.Pages
// pages, combining pooled groups with fresh allocations across a
// descending sequence of orders. On any failure every group acquired so
// far is returned through the true-free path and the set is left empty;
// the contract is all-or-nothing.
func (a *Allocator) Fill(ctx context.Context, set *PageSet, opts FillOptions) error {
	if set.Pages <= 0 {
		return errors.New(errors.ErrorTypeValidation, "page set must request at least one page")
	}
	if len(set.Groups) != 0 {
		return errors.New(errors.ErrorTypeInvariant, "page set is already populated")
	}

	timer := metrics.NewTimer("fill")
	defer func() {
		metrics.FillLatency.WithLabelValues(set.Caching.String()).
			Observe(float64(timer.Stop().Nanoseconds()))
	}()

	flags := AllocFlags{
		Zero:    opts.Zero,
		DMA32:   a.useDMA32,
		NoRetry: opts.NoRetry,
	}

	// Fresh raw groups whose caching attribute is still pending; applied
	// in batches so contiguous fresh ranges share one TLB invalidate.
	var pending []*PageGroup

	remaining := set.Pages
	order := minInt(a.maxOrder, log2(remaining))
	for remaining > 0 {
		order = minInt(order, log2(remaining))

		var g *PageGroup
		fromPool := false
		if dp := a.selectDeferred(set.Caching, order); dp != nil {
			g, fromPool = dp.Fetch()
		} else if pool := a.selectPool(set.Caching, order); pool != nil {
			g, fromPool = pool.Remove()
		}

		if fromPool {
			metrics.PoolHits.WithLabelValues(set.Caching.String(), strconv.Itoa(order)).Inc()

			// A pooled group interrupts the contiguous fresh range, so
			// flush the pending attribute batch first.
			if err := a.applyCaching(set.Caching, pending); err != nil {
				a.freeGroup(g)
				a.unwind(set)
				return err
			}
			pending = pending[:0]
		} else {
			metrics.PoolMisses.WithLabelValues(set.Caching.String(), strconv.Itoa(order)).Inc()

			var err error
			g, err = a.allocGroup(ctx, set.Caching, order, flags)
			if err != nil {
				if order > 0 {
					order--
					continue
				}
				a.unwind(set)
				metrics.FillFailures.WithLabelValues(string(errors.ErrorTypeOutOfMemory)).Inc()
				return errors.Wrap(err, errors.ErrorTypeOutOfMemory,
					"fresh allocation failed at order 0").
					WithDetail("requested_pages", set.Pages).
					WithDetail("caching", set.Caching.String())
			}
			if g.method == MethodRaw && set.Caching != CachingCached {
				pending = append(pending, g)
			}
		}

		if opts.MapBus {
			if err := a.mapGroup(g); err != nil {
				a.freeGroup(g)
				a.unwind(set)
				metrics.FillFailures.WithLabelValues(string(errors.ErrorTypeMappingFailed)).Inc()
				return errors.Wrap(err, errors.ErrorTypeMappingFailed,
					"device mapping failed").
					WithDetail("order", g.order)
			}
		}

		set.Groups = append(set.Groups, g)
		remaining -= g.Pages()
	}

	if err := a.applyCaching(set.Caching, pending); err != nil {
		a.unwind(set)
		return err
	}

	a.log.Debug("fill complete",
		zap.Int64("pages", set.Pages),
		zap.Int("groups", len(set.Groups)),
		zap.String("caching", set.Caching.String()))
	return nil
}

// Drain returns the set's groups to their matching pools, or true-frees
// them when their class is not pooled, then enforces the global pooled
// page cap. The set is left empty.
func (a *Allocator) Drain(set *PageSet) {
	for _, g := range set.Groups {
		// Coherent mappings are torn down by the true-free path, not here.
		if g.mapped && g.method == MethodRaw {
			a.dev.UnmapPages(g.busAddr, int(g.Pages()))
			g.mapped = false
		}

		if dp := a.selectDeferred(g.caching, g.order); dp != nil {
			dp.AddDirty(g)
		} else if pool := a.selectPool(g.caching, g.order); pool != nil {
			pool.Add(g)
		} else {
			a.freeGroup(g)
		}
	}
	set.Groups = nil

	a.reg.EnforceLimit()
}

// allocGroup performs a fresh allocation at the given order.
func (a *Allocator) allocGroup(ctx context.Context, caching Caching, order int, flags AllocFlags) (*PageGroup, error) {
	if a.useCoherent {
		mem, bus, err := a.dev.AllocCoherent(ctx, order, flags)
		if err != nil {
			return nil, err
		}
		// Coherent groups keep the device-chosen attribute; record the
		// private pool class so residency cycles stay consistent.
		return &PageGroup{
			mem:     mem,
			order:   order,
			caching: CachingCached,
			method:  MethodCoherent,
			busAddr: bus,
		}, nil
	}

	mem, err := a.dev.AllocPages(ctx, order, flags)
	if err != nil {
		return nil, err
	}
	return &PageGroup{
		mem:     mem,
		order:   order,
		caching: CachingCached,
		method:  MethodRaw,
	}, nil
}

// applyCaching applies the target attribute to a batch of fresh raw
// groups and records the transition on each group.
func (a *Allocator) applyCaching(caching Caching, groups []*PageGroup) error {
	if len(groups) == 0 || caching == CachingCached {
		return nil
	}
	if err := a.dev.SetCaching(groups, caching); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMappingFailed,
			"caching attribute change failed").
			WithDetail("caching", caching.String()).
			WithDetail("groups", len(groups))
	}
	for _, g := range groups {
		g.caching = caching
	}
	return nil
}

// mapGroup records a bus address for the group. Coherent groups already
// carry the address from allocation time.
func (a *Allocator) mapGroup(g *PageGroup) error {
	if g.method == MethodCoherent {
		return nil
	}
	addr, err := a.dev.MapPages(g.mem, g.order)
	if err != nil {
		return err
	}
	g.busAddr = addr
	g.mapped = true
	return nil
}

// freeGroup is the true-free path for one group: unmap, reset the caching
// attribute, and return the memory to the system. Never re-pools; a group
// reaching this path may have inconsistent attribute state.
func (a *Allocator) freeGroup(g *PageGroup) {
	if g.method == MethodCoherent {
		a.dev.FreeCoherent(g.mem, g.order, g.busAddr)
		return
	}
	if g.mapped {
		a.dev.UnmapPages(g.busAddr, int(g.Pages()))
		g.mapped = false
	}
	if g.caching != CachingCached {
		_ = a.dev.SetCaching([]*PageGroup{g}, CachingCached)
		g.caching = CachingCached
	}
	a.dev.FreePages(g.mem, g.order)
}

// unwind true-frees every group acquired so far by a failed fill,
// unmapping the already-mapped ones first.
func (a *Allocator) unwind(set *PageSet) {
	for _, g := range set.Groups {
		a.freeGroup(g)
	}
	set.Groups = nil
}

// log2 returns the largest order k such that 2^k <= n.
func log2(n int64) int {
	return bits.Len64(uint64(n)) - 1
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
