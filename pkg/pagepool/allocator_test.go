package pagepool

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vramkit/pagepool/pkg/config"
	"github.com/vramkit/pagepool/pkg/errors"
)

func newTestManager(t *testing.T, maxOrder int) (*SimDevice, *Manager) {
	t.Helper()
	dev := NewSimDevice(4096)
	cfg := config.New("test")
	cfg.Pooling.MaxOrder = maxOrder
	mgr := NewManager(dev, cfg)
	t.Cleanup(mgr.Close)
	return dev, mgr
}

func TestFillExactPageCount(t *testing.T) {
	dev, mgr := newTestManager(t, 4)
	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	set := &PageSet{Pages: 13, Caching: CachingWriteCombined}
	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{}))

	// 13 pages decompose as 8 + 4 + 1 across descending orders.
	require.Len(t, set.Groups, 3)
	var total int64
	prevOrder := alloc.maxOrder
	for _, g := range set.Groups {
		assert.LessOrEqual(t, g.Order(), prevOrder)
		prevOrder = g.Order()
		total += g.Pages()

		c, ok := dev.CachingOf(g.Mem())
		require.True(t, ok)
		assert.Equal(t, CachingWriteCombined, c)
		assert.Equal(t, CachingWriteCombined, g.Caching())
	}
	assert.Equal(t, int64(13), total)

	// One attribute batch covers the whole contiguous fresh run.
	batches, groups := dev.AttrStats()
	assert.Equal(t, 1, batches)
	assert.Equal(t, 3, groups)

	alloc.Drain(set)
	assert.Empty(t, set.Groups)
}

func TestFillReusesDrainedGroups(t *testing.T) {
	dev, mgr := newTestManager(t, 4)
	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	set := &PageSet{Pages: 4, Caching: CachingUncached}
	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{}))
	require.Len(t, set.Groups, 1)
	mem := set.Groups[0].Mem()

	alloc.Drain(set)
	assert.Equal(t, 1, dev.LiveAllocs(), "drained group stays resident")
	assert.Equal(t, int64(4), mgr.Registry().TotalPages())

	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{}))
	require.Len(t, set.Groups, 1)
	assert.Equal(t, mem, set.Groups[0].Mem(), "refill reuses the pooled group")
	assert.Equal(t, int64(0), mgr.Registry().TotalPages())

	// Reuse skips the attribute change: the pooled group already carries
	// the attribute it was drained with.
	batches, _ := dev.AttrStats()
	assert.Equal(t, 1, batches)

	alloc.Drain(set)
}

func TestFillOrderDegradation(t *testing.T) {
	dev, mgr := newTestManager(t, 4)
	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	dev.FailOrder(3, true)
	dev.FailOrder(2, true)

	set := &PageSet{Pages: 8, Caching: CachingWriteCombined}
	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{}))

	var total int64
	for _, g := range set.Groups {
		assert.LessOrEqual(t, g.Order(), 1)
		total += g.Pages()
	}
	assert.Equal(t, int64(8), total)

	alloc.Drain(set)
}

func TestFillOutOfMemoryUnwind(t *testing.T) {
	dev, mgr := newTestManager(t, 4)
	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	// Order 1 succeeds, then the final order-0 allocation fails: the
	// already-acquired group must be true-freed, not pooled.
	dev.FailOrder(0, true)

	set := &PageSet{Pages: 3, Caching: CachingUncached}
	err := alloc.Fill(context.Background(), set, FillOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeOutOfMemory))
	assert.True(t, errors.IsRetryable(err))

	assert.Empty(t, set.Groups)
	assert.Equal(t, 0, dev.LiveAllocs())
	assert.Equal(t, int64(0), mgr.Registry().TotalPages())
}

func TestFillMappingFailureUnwind(t *testing.T) {
	dev, mgr := newTestManager(t, 2)
	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	// Two order-2 groups needed; the second mapping fails.
	dev.FailMappingAfter(1)

	set := &PageSet{Pages: 8, Caching: CachingWriteCombined}
	err := alloc.Fill(context.Background(), set, FillOptions{MapBus: true})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMappingFailed))

	assert.Empty(t, set.Groups)
	assert.Equal(t, 0, dev.LiveAllocs())
	assert.Equal(t, 0, dev.LiveMappings())
}

func TestFillMapBusAndDrainUnmaps(t *testing.T) {
	dev, mgr := newTestManager(t, 4)
	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	set := &PageSet{Pages: 4, Caching: CachingUncached}
	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{MapBus: true}))
	require.Len(t, set.Groups, 1)

	addr, ok := set.Groups[0].BusAddr()
	assert.True(t, ok)
	assert.NotZero(t, addr)
	assert.Equal(t, 1, dev.LiveMappings())

	alloc.Drain(set)
	assert.Equal(t, 0, dev.LiveMappings(), "drain tears the mapping down")
	assert.Equal(t, int64(4), mgr.Registry().TotalPages(), "pages still pooled")
}

func TestDrainUnpooledOrderTrueFrees(t *testing.T) {
	dev, mgr := newTestManager(t, 2)
	// The allocator requests larger groups than the shared sets pool.
	alloc := mgr.NewAllocator("test", WithMaxOrder(3))
	defer alloc.Close()

	set := &PageSet{Pages: 8, Caching: CachingUncached}
	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{}))
	require.Len(t, set.Groups, 1)
	require.Equal(t, 3, set.Groups[0].Order())

	alloc.Drain(set)
	assert.Equal(t, 0, dev.LiveAllocs(), "order above pool range is freed, not pooled")
	assert.Equal(t, int64(0), mgr.Registry().TotalPages())
}

func TestFillCachedBypassesPoolsAndAttributes(t *testing.T) {
	dev, mgr := newTestManager(t, 4)
	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	set := &PageSet{Pages: 4, Caching: CachingCached}
	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{}))

	batches, _ := dev.AttrStats()
	assert.Equal(t, 0, batches, "cached fills never touch attributes")

	alloc.Drain(set)
	assert.Equal(t, 0, dev.LiveAllocs(), "cached groups are not pooled")
}

func TestFillZeroFlag(t *testing.T) {
	dev, mgr := newTestManager(t, 4)
	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	set := &PageSet{Pages: 1, Caching: CachingWriteCombined}
	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{Zero: true}))
	data := dev.Bytes(set.Groups[0].Mem())
	for _, b := range data {
		require.Zero(t, b)
	}
	alloc.Drain(set)

	set2 := &PageSet{Pages: 1, Caching: CachingCached}
	require.NoError(t, alloc.Fill(context.Background(), set2, FillOptions{}))
	assert.Equal(t, byte(0xa5), dev.Bytes(set2.Groups[0].Mem())[0])
	alloc.Drain(set2)
}

func TestFillValidation(t *testing.T) {
	_, mgr := newTestManager(t, 4)
	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	err := alloc.Fill(context.Background(), &PageSet{Pages: 0}, FillOptions{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	set := &PageSet{Pages: 2, Caching: CachingCached}
	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{}))
	err = alloc.Fill(context.Background(), set, FillOptions{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvariant))
	alloc.Drain(set)
}

func TestFillBatchFlushOnPooledInterleave(t *testing.T) {
	dev, mgr := newTestManager(t, 1)
	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	// Seed the order-0 pool with one write-combined group.
	seed := &PageSet{Pages: 1, Caching: CachingWriteCombined}
	require.NoError(t, alloc.Fill(context.Background(), seed, FillOptions{}))
	alloc.Drain(seed)
	batchesBefore, _ := dev.AttrStats()

	// 3 pages: a fresh order-1 group, then a pooled order-0 hit that
	// forces the pending batch to flush.
	set := &PageSet{Pages: 3, Caching: CachingWriteCombined}
	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{}))
	require.Len(t, set.Groups, 2)

	batchesAfter, _ := dev.AttrStats()
	assert.Equal(t, 1, batchesAfter-batchesBefore, "single flush before the pooled hit")

	alloc.Drain(set)
}

func TestDrainEnforcesPooledPageCap(t *testing.T) {
	dev := NewSimDevice(4096)
	cfg := config.New("test")
	cfg.Pooling.MaxOrder = 2
	cfg.Pooling.MaxPooledPages = 4
	mgr := NewManager(dev, cfg)
	t.Cleanup(mgr.Close)

	alloc := mgr.NewAllocator("test")
	defer alloc.Close()

	a := &PageSet{Pages: 4, Caching: CachingWriteCombined}
	b := &PageSet{Pages: 4, Caching: CachingUncached}
	require.NoError(t, alloc.Fill(context.Background(), a, FillOptions{}))
	require.NoError(t, alloc.Fill(context.Background(), b, FillOptions{}))

	alloc.Drain(a)
	assert.Equal(t, int64(4), mgr.Registry().TotalPages())

	// The second drain would pool 8 pages; the cap shrinks back to 4.
	alloc.Drain(b)
	assert.LessOrEqual(t, mgr.Registry().TotalPages(), int64(4))
	assert.Equal(t, int64(dev.LiveAllocs())<<2, mgr.Registry().TotalPages())
}

func TestCoherentAllocator(t *testing.T) {
	dev, mgr := newTestManager(t, 4)
	alloc := mgr.NewAllocator("coherent", WithCoherent())

	set := &PageSet{Pages: 4, Caching: CachingCached}
	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{}))
	require.Len(t, set.Groups, 1)
	require.Equal(t, MethodCoherent, set.Groups[0].Method())

	// Coherent groups carry their bus address from allocation time.
	addr, ok := set.Groups[0].BusAddr()
	assert.True(t, ok)
	assert.NotZero(t, addr)

	mem := set.Groups[0].Mem()
	alloc.Drain(set)
	assert.Equal(t, 1, dev.LiveAllocs(), "coherent group pooled on drain")

	require.NoError(t, alloc.Fill(context.Background(), set, FillOptions{}))
	assert.Equal(t, mem, set.Groups[0].Mem())
	alloc.Drain(set)

	alloc.Close()
	assert.Equal(t, 0, dev.LiveAllocs(), "close frees the private pools")
}

func TestConcurrentFillsAreDisjoint(t *testing.T) {
	_, mgr := newTestManager(t, 4)

	// Seed the shared order-2 pool so concurrent fills race for reuse.
	seeder := mgr.NewAllocator("seeder")
	for i := 0; i < 8; i++ {
		set := &PageSet{Pages: 4, Caching: CachingWriteCombined}
		require.NoError(t, seeder.Fill(context.Background(), set, FillOptions{}))
		seeder.Drain(set)
	}
	seeder.Close()

	const workers = 4
	const fillsPerWorker = 4

	var wg sync.WaitGroup
	setsCh := make(chan []*PageSet, workers)
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc := mgr.NewAllocator("worker")
			defer alloc.Close()

			// Sets are held until every worker is done, so any
			// double-issued pooled group shows up as a duplicate.
			var sets []*PageSet
			for i := 0; i < fillsPerWorker; i++ {
				set := &PageSet{Pages: 4, Caching: CachingWriteCombined}
				if err := alloc.Fill(context.Background(), set, FillOptions{}); err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				sets = append(sets, set)
			}
			setsCh <- sets
		}()
	}
	wg.Wait()
	close(setsCh)

	drainer := mgr.NewAllocator("drainer")
	defer drainer.Close()

	seen := make(map[Mem]bool)
	for sets := range setsCh {
		for _, set := range sets {
			for _, g := range set.Groups {
				assert.False(t, seen[g.Mem()], "group owned by two sets")
				seen[g.Mem()] = true
			}
			drainer.Drain(set)
		}
	}
	assert.Len(t, seen, workers*fillsPerWorker)
}

func BenchmarkFillDrain(b *testing.B) {
	dev := NewSimDevice(4096)
	cfg := config.New("bench")
	cfg.Pooling.MaxOrder = 4
	mgr := NewManager(dev, cfg)
	defer mgr.Close()

	alloc := mgr.NewAllocator("bench")
	defer alloc.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		set := &PageSet{Pages: 13, Caching: CachingWriteCombined}
		if err := alloc.Fill(ctx, set, FillOptions{}); err != nil {
			b.Fatal(err)
		}
		alloc.Drain(set)
	}
}
