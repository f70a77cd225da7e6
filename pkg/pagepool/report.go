package pagepool

import (
	"fmt"
	"io"
	"sort"

	json "github.com/goccy/go-json"
)

// PoolStat is the pooled page count for one (caching mode, order) class.
type PoolStat struct {
	Caching string `json:"caching"`
	Order   int    `json:"order"`
	Pages   int64  `json:"pages"`
}

// Stats is a point-in-time introspection report over the registry.
type Stats struct {
	Pools      []PoolStat `json:"pools"`
	TotalPages int64      `json:"total_pages"`
	MaxPages   int64      `json:"max_pages"`
}

// Stats collects the per-pool page counts. Only the registry's list lock
// is taken, and only briefly to snapshot the membership; the per-pool
// sizes are read afterwards so the allocation path is never stalled for
// the duration of the report.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	pools := make([]*Pool, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		pools = append(pools, e.Value.(*Pool))
	}
	r.mu.Unlock()

	stats := Stats{
		Pools:      make([]PoolStat, 0, len(pools)),
		TotalPages: r.total.Load(),
		MaxPages:   r.max.Load(),
	}
	for _, p := range pools {
		stats.Pools = append(stats.Pools, PoolStat{
			Caching: p.caching.String(),
			Order:   p.order,
			Pages:   p.Size(),
		})
	}
	sort.Slice(stats.Pools, func(i, j int) bool {
		if stats.Pools[i].Caching != stats.Pools[j].Caching {
			return stats.Pools[i].Caching < stats.Pools[j].Caching
		}
		return stats.Pools[i].Order < stats.Pools[j].Order
	})
	return stats
}

// WriteStats writes a diagnostic table with one row per caching mode and
// one column per order, followed by the aggregate footer.
func (r *Registry) WriteStats(w io.Writer) error {
	stats := r.Stats()

	maxOrder := 0
	for _, ps := range stats.Pools {
		if ps.Order > maxOrder {
			maxOrder = ps.Order
		}
	}

	rows := make(map[string][]int64)
	var names []string
	for _, ps := range stats.Pools {
		row, ok := rows[ps.Caching]
		if !ok {
			row = make([]int64, maxOrder+1)
			rows[ps.Caching] = row
			names = append(names, ps.Caching)
		}
		rows[ps.Caching][ps.Order] += ps.Pages
	}
	sort.Strings(names)

	if _, err := fmt.Fprintf(w, "\t "); err != nil {
		return err
	}
	for i := 0; i <= maxOrder; i++ {
		if _, err := fmt.Fprintf(w, " ---%2d---", i); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}

	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s\t:", name); err != nil {
			return err
		}
		for _, pages := range rows[name] {
			if _, err := fmt.Fprintf(w, " %8d", pages); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "\ntotal\t: %8d of %8d\n", stats.TotalPages, stats.MaxPages)
	return err
}

// DumpJSON writes the introspection report as JSON.
func (r *Registry) DumpJSON(w io.Writer) error {
	return json.NewEncoder(w).Encode(r.Stats())
}
