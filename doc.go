// Package pagepool provides a deferred page pooling allocator for device
// memory managers. Instead of paying the full cost of allocation,
// caching-attribute transitions, and DMA mapping on every buffer, freed
// page groups are parked in per-class pools and handed back to later
// allocations of the same class, with shrinker-driven reclaim returning
// them to the system under memory pressure.
//
// # Architecture
//
// The allocator is built around a small number of cooperating pieces:
//
// 1. Pools: per (caching mode, order) FIFO free lists of page groups,
// where order is the power-of-two page count of a group.
//
// 2. Registry: an explicit, injectable collection of live pools that the
// shrinker walks round-robin, one group per pass, so no single pool is
// drained preferentially.
//
// 3. Allocator: fills multi-page sets from the pools first and falls back
// to fresh allocation across a descending sequence of orders, batching
// caching-attribute changes over contiguous fresh runs.
//
// 4. Pressure watcher: samples system memory and drives shrink scans when
// available memory drops below a watermark.
//
// # Quick Start
//
// Fill and drain a write-combined page set:
//
//	import (
//	    "context"
//	    "github.com/vramkit/pagepool/pkg/config"
//	    "github.com/vramkit/pagepool/pkg/pagepool"
//	)
//
//	cfg := config.New("display-0")
//	cfg.Pooling.MaxPooledPages = 1 << 18
//
//	mgr := pagepool.NewManager(dev, cfg)
//	defer mgr.Close()
//
//	alloc := mgr.NewAllocator("vram")
//	defer alloc.Close()
//
//	set := &pagepool.PageSet{Pages: 64, Caching: pagepool.CachingWriteCombined}
//	if err := alloc.Fill(context.Background(), set, pagepool.FillOptions{}); err != nil {
//	    return err
//	}
//	// ... use set.Groups ...
//	alloc.Drain(set)
//
// # Key Packages
//
//	pkg/pagepool - pools, registry, allocator, and the device boundary
//	pkg/pressure - memory-pressure watcher driving shrinker reclaim
//	pkg/config   - unified configuration management
//	pkg/errors   - structured error handling
//	pkg/logger   - high-performance structured logging
//	pkg/metrics  - allocation and reclaim metrics
package pagepool
