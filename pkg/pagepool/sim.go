package pagepool

import (
	"context"
	"fmt"
	"sync"
)

// simAlloc tracks one live allocation in the simulated device.
type simAlloc struct {
	order    int
	coherent bool
	caching  Caching
	bus      BusAddr
	data     []byte
}

// SimDevice is a heap-backed Device implementation used by tests and the
// bench harness. It tracks live allocations, applied caching attributes,
// and bus mappings, and supports failure injection per allocation order
// and for the mapping primitive.
type SimDevice struct {
	mu       sync.Mutex
	pageSize int
	nextMem  Mem
	nextBus  BusAddr
	allocs   map[Mem]*simAlloc
	mappings map[BusAddr]int

	failOrders  map[int]bool
	failMapping bool
	mapBudget   int

	attrBatches int
	attrGroups  int
}

// NewSimDevice creates a simulated device with the given page size.
func NewSimDevice(pageSize int) *SimDevice {
	return &SimDevice{
		pageSize:   pageSize,
		nextMem:    1,
		nextBus:    0x1000,
		allocs:     make(map[Mem]*simAlloc),
		mappings:   make(map[BusAddr]int),
		failOrders: make(map[int]bool),
		mapBudget:  -1,
	}
}

// FailOrder makes fresh allocations at the given order fail, simulating
// fragmentation or memory pressure at that size class.
func (d *SimDevice) FailOrder(order int, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOrders[order] = fail
}

// FailMapping makes MapPages fail.
func (d *SimDevice) FailMapping(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failMapping = fail
}

// FailMappingAfter makes MapPages succeed n more times and fail from then
// on, for exercising partial-mapping unwind paths.
func (d *SimDevice) FailMappingAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapBudget = n
}

// AllocPages implements Device.
func (d *SimDevice) AllocPages(ctx context.Context, order int, flags AllocFlags) (Mem, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOrders[order] {
		return 0, fmt.Errorf("sim: no contiguous pages at order %d", order)
	}
	return d.newAlloc(order, false, flags), nil
}

// AllocCoherent implements Device.
func (d *SimDevice) AllocCoherent(ctx context.Context, order int, flags AllocFlags) (Mem, BusAddr, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOrders[order] {
		return 0, 0, fmt.Errorf("sim: coherent allocation failed at order %d", order)
	}
	mem := d.newAlloc(order, true, flags)
	return mem, d.allocs[mem].bus, nil
}

func (d *SimDevice) newAlloc(order int, coherent bool, flags AllocFlags) Mem {
	mem := d.nextMem
	d.nextMem++

	data := make([]byte, (1<<order)*d.pageSize)
	if !flags.Zero {
		// Fresh pages come back with stale content unless zeroing was
		// requested, so sanitization bugs show up in tests.
		for i := range data {
			data[i] = 0xa5
		}
	}

	a := &simAlloc{
		order:    order,
		coherent: coherent,
		caching:  CachingCached,
		data:     data,
	}
	if coherent {
		a.bus = d.nextBus
		d.nextBus += BusAddr((1 << order) * d.pageSize)
	}
	d.allocs[mem] = a
	return mem
}

// FreePages implements Device.
func (d *SimDevice) FreePages(mem Mem, order int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.allocs[mem]
	if !ok || a.coherent || a.order != order {
		panic(fmt.Sprintf("sim: bad raw free of mem %d order %d", mem, order))
	}
	delete(d.allocs, mem)
}

// FreeCoherent implements Device.
func (d *SimDevice) FreeCoherent(mem Mem, order int, addr BusAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.allocs[mem]
	if !ok || !a.coherent || a.order != order || a.bus != addr {
		panic(fmt.Sprintf("sim: bad coherent free of mem %d order %d", mem, order))
	}
	delete(d.allocs, mem)
}

// SetCaching implements Device.
func (d *SimDevice) SetCaching(groups []*PageGroup, caching Caching) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attrBatches++
	d.attrGroups += len(groups)
	for _, g := range groups {
		a, ok := d.allocs[g.mem]
		if !ok {
			return fmt.Errorf("sim: caching change on freed mem %d", g.mem)
		}
		a.caching = caching
	}
	return nil
}

// MapPages implements Device.
func (d *SimDevice) MapPages(mem Mem, order int) (BusAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failMapping {
		return 0, fmt.Errorf("sim: mapping failed for mem %d", mem)
	}
	if d.mapBudget == 0 {
		return 0, fmt.Errorf("sim: mapping budget exhausted for mem %d", mem)
	}
	if d.mapBudget > 0 {
		d.mapBudget--
	}
	if _, ok := d.allocs[mem]; !ok {
		return 0, fmt.Errorf("sim: mapping of freed mem %d", mem)
	}

	addr := d.nextBus
	d.nextBus += BusAddr((1 << order) * d.pageSize)
	d.mappings[addr] = 1 << order
	return addr, nil
}

// UnmapPages implements Device.
func (d *SimDevice) UnmapPages(addr BusAddr, pages int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mappings[addr] != pages {
		panic(fmt.Sprintf("sim: bad unmap of bus %#x (%d pages)", addr, pages))
	}
	delete(d.mappings, addr)
}

// ZeroPages implements Device.
func (d *SimDevice) ZeroPages(mem Mem, order int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.allocs[mem]
	if !ok {
		return
	}
	for i := range a.data {
		a.data[i] = 0
	}
}

// LiveAllocs returns the number of allocations not yet freed.
func (d *SimDevice) LiveAllocs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}

// LiveMappings returns the number of bus mappings not yet torn down.
func (d *SimDevice) LiveMappings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mappings)
}

// CachingOf returns the attribute currently applied to an allocation.
func (d *SimDevice) CachingOf(mem Mem) (Caching, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.allocs[mem]
	if !ok {
		return 0, false
	}
	return a.caching, true
}

// Bytes returns the backing memory of an allocation.
func (d *SimDevice) Bytes(mem Mem) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.allocs[mem]; ok {
		return a.data
	}
	return nil
}

// AttrStats returns the number of SetCaching calls and the total groups
// they covered, for asserting that attribute changes are batched.
func (d *SimDevice) AttrStats() (batches, groups int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attrBatches, d.attrGroups
}
