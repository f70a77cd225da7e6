package pagepool

import "context"

// Mem is an opaque handle to 2^order physically contiguous pages owned by
// the backing Device. The pool layer never dereferences it.
type Mem uint64

// BusAddr is a device/bus address produced by DMA mapping or coherent
// allocation.
type BusAddr uint64

// AllocFlags modify how fresh page groups are allocated.
type AllocFlags struct {
	// Zero requests zero-filled pages
	Zero bool
	// DMA32 restricts the allocation to the 32-bit addressable range
	DMA32 bool
	// NoRetry bounds allocation latency by forbidding reclaim retries
	NoRetry bool
}

// Device is the boundary to the physical page allocator, the coherent DMA
// allocator, the cache-attribute-change primitive, and the bus mapping
// primitive. All of these are external collaborators: they may block and
// they may fail, so they are never invoked while a pool lock is held.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// AllocPages allocates 2^order physically contiguous pages with the
	// write-back (cached) attribute. May fail under memory pressure.
	AllocPages(ctx context.Context, order int, flags AllocFlags) (Mem, error)

	// AllocCoherent allocates 2^order contiguous pages through the
	// coherent DMA allocator and returns their bus address. Considerably
	// slower than AllocPages, which is why coherent groups are pooled.
	AllocCoherent(ctx context.Context, order int, flags AllocFlags) (Mem, BusAddr, error)

	// FreePages returns raw pages to the system. The caller must have
	// reset the caching attribute first.
	FreePages(mem Mem, order int)

	// FreeCoherent releases a coherent allocation. Implicitly unmaps.
	FreeCoherent(mem Mem, order int, addr BusAddr)

	// SetCaching changes the CPU caching attribute of every group in the
	// batch. Expensive: involves a cross-CPU TLB invalidate, which is the
	// whole reason this pool exists.
	SetCaching(groups []*PageGroup, caching Caching) error

	// MapPages maps raw pages for device access and returns the bus
	// address of the first page.
	MapPages(mem Mem, order int) (BusAddr, error)

	// UnmapPages tears down a mapping created by MapPages.
	UnmapPages(addr BusAddr, pages int)

	// ZeroPages overwrites the group's content with zeroes. Used by the
	// deferred-zeroing pool variant.
	ZeroPages(mem Mem, order int)
}
