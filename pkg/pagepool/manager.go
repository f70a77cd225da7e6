package pagepool

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vramkit/pagepool/pkg/config"
	"github.com/vramkit/pagepool/pkg/logger"
)

// Manager owns the registry and the shared pool sets used by every
// non-coherent allocator: write-combined and uncached classes, each
// optionally replicated for the DMA32-restricted physical range. It
// replaces what would otherwise be package-level mutable state; construct
// one before the first allocator and close it after the last.
//
// Cached (write-back) memory is not pooled in the shared sets: plain
// cached pages carry no attribute-transition cost, so there is nothing to
// amortize.
//
// With deferred zeroing configured, the shared sets are DeferredPool
// replicas instead: drained groups land dirty and are sanitized before
// reuse, either by the Run workers or synchronously on fetch.
type Manager struct {
	dev       Device
	reg       *Registry
	maxOrder  int
	zeroBatch int

	wc   []*Pool
	uc   []*Pool
	wc32 []*Pool
	uc32 []*Pool

	// deferred-zeroing replicas of the shared sets; populated instead of
	// the plain sets when deferred zeroing is configured
	wcDef   []*DeferredPool
	ucDef   []*DeferredPool
	wc32Def []*DeferredPool
	uc32Def []*DeferredPool

	log *zap.Logger
}

// NewManager creates the registry and the shared pool sets.
func NewManager(dev Device, cfg *config.Config) *Manager {
	m := &Manager{
		dev:       dev,
		reg:       NewRegistry(),
		maxOrder:  cfg.Pooling.MaxOrder,
		zeroBatch: cfg.Pooling.ZeroBatchGroups,
		log:       logger.Get().Named("pagepool"),
	}
	m.reg.SetMaxPages(cfg.Pooling.MaxPooledPages)

	if cfg.Pooling.DeferredZeroing {
		m.wcDef = m.newDeferredSet(CachingWriteCombined)
		m.ucDef = m.newDeferredSet(CachingUncached)
		m.wc32Def = m.newDeferredSet(CachingWriteCombined)
		m.uc32Def = m.newDeferredSet(CachingUncached)
	} else {
		m.wc = m.newSharedSet(CachingWriteCombined)
		m.uc = m.newSharedSet(CachingUncached)
		m.wc32 = m.newSharedSet(CachingWriteCombined)
		m.uc32 = m.newSharedSet(CachingUncached)
	}

	return m
}

func (m *Manager) newSharedSet(caching Caching) []*Pool {
	pools := make([]*Pool, m.maxOrder+1)
	for order := range pools {
		pools[order] = NewPool(m.reg, caching, order, m.freeRaw)
	}
	return pools
}

func (m *Manager) newDeferredSet(caching Caching) []*DeferredPool {
	pools := make([]*DeferredPool, m.maxOrder+1)
	for order := range pools {
		pools[order] = NewDeferredPool(m.reg, m.dev, caching, order, m.zeroBatch, m.freeRaw)
	}
	return pools
}

func (m *Manager) deferredSets() []*DeferredPool {
	var all []*DeferredPool
	for _, set := range [][]*DeferredPool{m.wcDef, m.ucDef, m.wc32Def, m.uc32Def} {
		all = append(all, set...)
	}
	return all
}

// Run drives the background sanitization workers for the deferred pool
// sets and blocks until the context is cancelled. A no-op when deferred
// zeroing is not configured. Call Run at most once, and cancel the
// context before Close.
func (m *Manager) Run(ctx context.Context) {
	pools := m.deferredSets()
	if len(pools) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, dp := range pools {
		wg.Add(1)
		go func(dp *DeferredPool) {
			defer wg.Done()
			dp.Run(ctx)
		}(dp)
	}
	wg.Wait()
}

// freeRaw is the true-free path for raw page groups: reset the caching
// attribute to write-back, then hand the pages back to the system.
func (m *Manager) freeRaw(g *PageGroup) {
	if g.mapped {
		m.dev.UnmapPages(g.busAddr, int(g.Pages()))
		g.mapped = false
	}
	if g.caching != CachingCached {
		// Inefficient one-group reset is fine here: this path only runs
		// when shrinking, and CPU overhead is irrelevant then.
		_ = m.dev.SetCaching([]*PageGroup{g}, CachingCached)
		g.caching = CachingCached
	}
	m.dev.FreePages(g.mem, g.order)
}

// NewDeferredPool creates a deferred-zeroing pool for one class, sharing
// the manager's device and registry and the configured zeroing batch
// size. The caller owns the pool: run its worker and destroy it before
// closing the manager.
func (m *Manager) NewDeferredPool(caching Caching, order int) *DeferredPool {
	return NewDeferredPool(m.reg, m.dev, caching, order, m.zeroBatch, m.freeRaw)
}

// Registry returns the registry, the contract exposed to the
// memory-pressure subsystem.
func (m *Manager) Registry() *Registry {
	return m.reg
}

// MaxOrder returns the largest supported allocation order.
func (m *Manager) MaxOrder() int {
	return m.maxOrder
}

// selectShared returns the shared pool for the class, or nil when the
// caching mode is not pooled or the order is out of range.
func (m *Manager) selectShared(caching Caching, order int, dma32 bool) *Pool {
	if m.wc == nil || order < 0 || order > m.maxOrder {
		return nil
	}
	switch caching {
	case CachingWriteCombined:
		if dma32 {
			return m.wc32[order]
		}
		return m.wc[order]
	case CachingUncached:
		if dma32 {
			return m.uc32[order]
		}
		return m.uc[order]
	default:
		return nil
	}
}

// selectSharedDeferred returns the deferred-zeroing pool for the class,
// or nil when deferred zeroing is not configured or the class is not
// pooled.
func (m *Manager) selectSharedDeferred(caching Caching, order int, dma32 bool) *DeferredPool {
	if m.wcDef == nil || order < 0 || order > m.maxOrder {
		return nil
	}
	switch caching {
	case CachingWriteCombined:
		if dma32 {
			return m.wc32Def[order]
		}
		return m.wcDef[order]
	case CachingUncached:
		if dma32 {
			return m.uc32Def[order]
		}
		return m.ucDef[order]
	default:
		return nil
	}
}

// Close destroys the shared pools, true-freeing everything still pooled.
// Every allocator created from this manager must be closed first, and
// Run's context cancelled.
func (m *Manager) Close() {
	for _, set := range [][]*Pool{m.wc, m.uc, m.wc32, m.uc32} {
		for _, p := range set {
			p.Destroy()
		}
	}
	for _, dp := range m.deferredSets() {
		dp.Destroy()
	}
	m.log.Info("pool manager closed",
		zap.Int64("remaining_pages", m.reg.TotalPages()))
}
