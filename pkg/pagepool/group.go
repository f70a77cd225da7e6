package pagepool

// Caching is the CPU cache attribute class of a memory range.
type Caching int

const (
	// CachingCached is ordinary write-back memory
	CachingCached Caching = iota
	// CachingWriteCombined buffers writes but bypasses the cache on reads
	CachingWriteCombined
	// CachingUncached bypasses the CPU cache entirely
	CachingUncached
)

// String returns the short form used in metrics labels and stats dumps.
func (c Caching) String() string {
	switch c {
	case CachingCached:
		return "cached"
	case CachingWriteCombined:
		return "wc"
	case CachingUncached:
		return "uc"
	default:
		return "unknown"
	}
}

// AllocMethod records how a page group was allocated, which determines how
// it must eventually be freed.
type AllocMethod int

const (
	// MethodRaw means the group came from the plain page allocator
	MethodRaw AllocMethod = iota
	// MethodCoherent means the group came from the coherent DMA allocator
	MethodCoherent
)

// PageGroup is an owned handle to a contiguous run of 2^order physical
// pages treated as one allocation unit. A group is exclusively owned by
// exactly one of: a pool's free list, a client's page set, or the
// allocator/releaser in flight. Transfer is move-only; the releasing side
// loses access the instant the receiving side takes it.
type PageGroup struct {
	mem     Mem
	order   int
	caching Caching
	method  AllocMethod
	busAddr BusAddr
	mapped  bool
}

// Mem returns the opaque physical memory handle.
func (g *PageGroup) Mem() Mem { return g.mem }

// Order returns the allocation order the group was allocated at.
func (g *PageGroup) Order() int { return g.order }

// Pages returns the number of pages in the group.
func (g *PageGroup) Pages() int64 { return 1 << g.order }

// Caching returns the caching attribute currently applied to the group.
func (g *PageGroup) Caching() Caching { return g.caching }

// Method returns how the group was allocated.
func (g *PageGroup) Method() AllocMethod { return g.method }

// BusAddr returns the group's bus address and whether one is recorded.
// Coherent groups always carry one; raw groups only after a mapped fill.
func (g *PageGroup) BusAddr() (BusAddr, bool) {
	if g.method == MethodCoherent || g.mapped {
		return g.busAddr, true
	}
	return 0, false
}
