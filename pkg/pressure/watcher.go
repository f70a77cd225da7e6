// Package pressure drives pooled-page reclaim from system memory
// pressure. It periodically samples available memory and, when it drops
// below a configured watermark, asks the pool registry to shrink.
package pressure

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/vramkit/pagepool/pkg/config"
	"github.com/vramkit/pagepool/pkg/logger"
)

// Shrinker is the reclaim contract the watcher drives. Satisfied by
// pagepool.Registry.
type Shrinker interface {
	// ShrinkCount returns the reclaimable page count, or a negative
	// sentinel when there is nothing to scan
	ShrinkCount() int64
	// ShrinkScan frees up to target pages and returns how many it freed
	ShrinkScan(target int64) int64
}

// sampleFunc returns total and available system memory in bytes.
type sampleFunc func() (total, available uint64, err error)

// Watcher polls system memory and shrinks the pools under pressure.
type Watcher struct {
	target    Shrinker
	interval  time.Duration
	watermark float64
	batch     int64
	sample    sampleFunc
	log       *zap.Logger
}

// NewWatcher creates a watcher from the reclaim configuration.
func NewWatcher(target Shrinker, cfg config.ReclaimConfig) *Watcher {
	return &Watcher{
		target:    target,
		interval:  cfg.Interval,
		watermark: cfg.WatermarkPercent,
		batch:     cfg.ScanBatchPages,
		sample:    systemSample,
		log:       logger.Get().Named("pressure"),
	}
}

func systemSample() (uint64, uint64, error) {
	stat, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return stat.Total, stat.Available, nil
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll performs one pressure check.
func (w *Watcher) poll() {
	total, available, err := w.sample()
	if err != nil {
		w.log.Warn("memory sample failed", zap.Error(err))
		return
	}
	if total == 0 {
		return
	}

	availPercent := 100 * float64(available) / float64(total)
	if availPercent >= w.watermark {
		return
	}

	// Nothing pooled; skip the scan entirely.
	if w.target.ShrinkCount() <= 0 {
		return
	}

	freed := w.target.ShrinkScan(w.batch)
	w.log.Info("reclaimed pooled pages under pressure",
		zap.Float64("available_percent", availPercent),
		zap.Float64("watermark_percent", w.watermark),
		zap.Int64("freed_pages", freed))
}
