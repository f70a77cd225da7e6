// Package config provides the unified configuration system for pagepool.
// It defines a single Config structure that covers the pooling allocator,
// the reclaim protocol, and observability, so every embedding driver uses
// the same knobs.
//
// The configuration is organized into logical sections:
//   - Pooling: size classes, caps, and allocation behavior
//   - Reclaim: memory-pressure driven shrinking
//   - Observability: metrics and logging
//
// Example usage:
//
//	cfg := config.New("display-0")
//	cfg.Pooling.MaxPooledPages = 1 << 18
//	cfg.Pooling.UseDMA32 = true
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// Config is the single configuration structure for a pagepool instance.
type Config struct {
	// Name identifies the allocator instance, usually the device name
	Name string `yaml:"name" json:"name"`
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version"`

	// Pooling settings control the page pools themselves
	Pooling PoolingConfig `yaml:"pooling" json:"pooling"`

	// Reclaim settings control shrinker-driven reclaim
	Reclaim ReclaimConfig `yaml:"reclaim" json:"reclaim"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// PoolingConfig contains the page pool settings.
type PoolingConfig struct {
	// MaxOrder is the largest supported allocation order (2^order pages per group)
	MaxOrder int `yaml:"max_order" json:"max_order"`
	// MaxPooledPages caps the total pages retained across all pools (0 = unbounded)
	MaxPooledPages int64 `yaml:"max_pooled_pages" json:"max_pooled_pages"`
	// PageSize is the size of a single page in bytes
	PageSize int `yaml:"page_size" json:"page_size"`
	// UseCoherent routes allocations through the coherent DMA allocator
	UseCoherent bool `yaml:"use_coherent" json:"use_coherent"`
	// UseDMA32 restricts fresh allocations to the 32-bit addressable range
	UseDMA32 bool `yaml:"use_dma32" json:"use_dma32"`
	// DeferredZeroing enables the dirty/clean split with background sanitization
	DeferredZeroing bool `yaml:"deferred_zeroing" json:"deferred_zeroing"`
	// ZeroBatchGroups is how many dirty groups the background worker zeroes per pass
	ZeroBatchGroups int `yaml:"zero_batch_groups" json:"zero_batch_groups"`
}

// ReclaimConfig contains the memory-pressure reclaim settings.
type ReclaimConfig struct {
	// EnableWatcher starts the background memory-pressure watcher
	EnableWatcher bool `yaml:"enable_watcher" json:"enable_watcher"`
	// Interval is how often the watcher samples system memory
	Interval time.Duration `yaml:"interval" json:"interval"`
	// WatermarkPercent triggers reclaim when available memory drops below it
	WatermarkPercent float64 `yaml:"watermark_percent" json:"watermark_percent"`
	// ScanBatchPages is the target page count handed to each shrink scan
	ScanBatchPages int64 `yaml:"scan_batch_pages" json:"scan_batch_pages"`
}

// ObservabilityConfig contains monitoring and logging settings.
type ObservabilityConfig struct {
	// EnableMetrics activates Prometheus metrics collection
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// StatsInterval controls periodic stats dumps (0 disables them)
	StatsInterval time.Duration `yaml:"stats_interval" json:"stats_interval"`
	// LogLevel sets the logging level (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// New creates a Config with sensible defaults. The defaults mirror the
// behavior of a freshly initialized allocator: ten size classes, unbounded
// pooling, raw (non-coherent) allocations.
func New(name string) *Config {
	return &Config{
		Name:    name,
		Version: "1.0.0",
		Pooling: PoolingConfig{
			MaxOrder:        10,
			MaxPooledPages:  0,
			PageSize:        4096,
			UseCoherent:     false,
			UseDMA32:        false,
			DeferredZeroing: false,
			ZeroBatchGroups: 16,
		},
		Reclaim: ReclaimConfig{
			EnableWatcher:    false,
			Interval:         time.Second,
			WatermarkPercent: 10.0,
			ScanBatchPages:   512,
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			StatsInterval: 0,
			LogLevel:      "info",
		},
	}
}

// Validate validates the configuration for correctness.
// It checks required fields and ensures values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Pooling.MaxOrder < 0 || c.Pooling.MaxOrder > 20 {
		return fmt.Errorf("max_order must be between 0 and 20")
	}
	if c.Pooling.MaxPooledPages < 0 {
		return fmt.Errorf("max_pooled_pages cannot be negative")
	}
	if c.Pooling.PageSize <= 0 || c.Pooling.PageSize&(c.Pooling.PageSize-1) != 0 {
		return fmt.Errorf("page_size must be a positive power of two")
	}
	if c.Pooling.ZeroBatchGroups <= 0 {
		return fmt.Errorf("zero_batch_groups must be positive")
	}
	if c.Reclaim.WatermarkPercent < 0 || c.Reclaim.WatermarkPercent > 100 {
		return fmt.Errorf("watermark_percent must be between 0 and 100")
	}
	if c.Reclaim.ScanBatchPages < 0 {
		return fmt.Errorf("scan_batch_pages cannot be negative")
	}
	if c.Reclaim.EnableWatcher && c.Reclaim.Interval <= 0 {
		return fmt.Errorf("interval must be positive when the watcher is enabled")
	}
	return nil
}

// IsCapped returns true if a global pooled-page maximum is configured
func (p *PoolingConfig) IsCapped() bool {
	return p.MaxPooledPages > 0
}
