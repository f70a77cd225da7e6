package pagepool

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryStats(t *testing.T) {
	dev := NewSimDevice(4096)
	reg := NewRegistry()
	reg.SetMaxPages(64)

	wc := NewPool(reg, CachingWriteCombined, 1, rawFree(dev))
	uc := NewPool(reg, CachingUncached, 0, rawFree(dev))
	defer wc.Destroy()
	defer uc.Destroy()

	wc.Add(mustAllocGroup(t, dev, 1, CachingWriteCombined))
	wc.Add(mustAllocGroup(t, dev, 1, CachingWriteCombined))
	uc.Add(mustAllocGroup(t, dev, 0, CachingUncached))

	stats := reg.Stats()
	assert.Equal(t, int64(5), stats.TotalPages)
	assert.Equal(t, int64(64), stats.MaxPages)
	require.Len(t, stats.Pools, 2)

	// Sorted by caching mode, then order.
	assert.Equal(t, PoolStat{Caching: "uc", Order: 0, Pages: 1}, stats.Pools[0])
	assert.Equal(t, PoolStat{Caching: "wc", Order: 1, Pages: 4}, stats.Pools[1])
}

func TestRegistryWriteStats(t *testing.T) {
	dev := NewSimDevice(4096)
	reg := NewRegistry()
	reg.SetMaxPages(32)
	pool := NewPool(reg, CachingWriteCombined, 0, rawFree(dev))
	defer pool.Destroy()
	pool.Add(mustAllocGroup(t, dev, 0, CachingWriteCombined))

	var buf bytes.Buffer
	require.NoError(t, reg.WriteStats(&buf))
	out := buf.String()

	assert.Contains(t, out, "wc\t:")
	assert.Contains(t, out, "--- 0---")
	assert.True(t, strings.Contains(out, "total\t:"), "footer missing: %q", out)
	assert.Contains(t, out, fmt.Sprintf("%8d of %8d", 1, 32))
}

func TestRegistryDumpJSON(t *testing.T) {
	dev := NewSimDevice(4096)
	reg := NewRegistry()
	pool := NewPool(reg, CachingUncached, 2, rawFree(dev))
	defer pool.Destroy()
	pool.Add(mustAllocGroup(t, dev, 2, CachingUncached))

	var buf bytes.Buffer
	require.NoError(t, reg.DumpJSON(&buf))

	var stats Stats
	require.NoError(t, json.Unmarshal(buf.Bytes(), &stats))
	assert.Equal(t, int64(4), stats.TotalPages)
	require.Len(t, stats.Pools, 1)
	assert.Equal(t, "uc", stats.Pools[0].Caching)
}
