package pagepool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vramkit/pagepool/pkg/logger"
)

// DeferredPool is the dirty/clean pool variant: freed groups land on a
// dirty sub-pool without being sanitized, so the free path stays fast,
// and a background worker zeroes them in batches before making them
// reusable. Allocation prefers clean groups and falls back to zeroing a
// dirty group synchronously.
//
// Both sub-pools are registered with the registry, so the shrinker
// reclaims deferred pages the same way it reclaims everything else.
type DeferredPool struct {
	clean *Pool
	dirty *Pool

	dev   Device
	batch int
	wake  chan struct{}
	log   *zap.Logger
}

// NewDeferredPool creates a deferred-zeroing pool for one (caching mode,
// order) class. batch is how many groups the background worker zeroes per
// pass.
func NewDeferredPool(registry *Registry, dev Device, caching Caching, order, batch int, free FreeFunc) *DeferredPool {
	return &DeferredPool{
		clean: NewPool(registry, caching, order, free),
		dirty: NewPool(registry, caching, order, free),
		dev:   dev,
		batch: batch,
		wake:  make(chan struct{}, 1),
		log: logger.Get().Named("deferred").With(
			zap.String("caching", caching.String()),
			zap.Int("order", order)),
	}
}

// AddDirty inserts a group without sanitizing it and nudges the worker.
func (p *DeferredPool) AddDirty(g *PageGroup) {
	p.dirty.Add(g)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Fetch returns a sanitized group. Clean groups are preferred; when none
// are available a dirty group is zeroed synchronously. The second return
// is false when both sub-pools are empty and the caller should fall back
// to fresh allocation.
func (p *DeferredPool) Fetch() (*PageGroup, bool) {
	if g, ok := p.clean.Remove(); ok {
		return g, true
	}
	if g, ok := p.dirty.Remove(); ok {
		p.dev.ZeroPages(g.mem, g.order)
		return g, true
	}
	return nil, false
}

// Clean returns the sanitized page count.
func (p *DeferredPool) Clean() int64 { return p.clean.Size() }

// Dirty returns the unsanitized page count.
func (p *DeferredPool) Dirty() int64 { return p.dirty.Size() }

// Run is the background sanitization loop. It zeroes dirty groups in
// batches whenever new ones arrive, and exits when the context is
// cancelled. Run at most once per pool.
func (p *DeferredPool) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}

		for moved := 0; moved < p.batch; moved++ {
			g, ok := p.dirty.Remove()
			if !ok {
				break
			}
			p.dev.ZeroPages(g.mem, g.order)
			p.clean.Add(g)
		}
	}
}

// Destroy tears down both sub-pools, true-freeing everything still
// pooled. The worker must have exited first.
func (p *DeferredPool) Destroy() {
	p.clean.Destroy()
	p.dirty.Destroy()
}
