package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vramkit/pagepool/pkg/config"
	"github.com/vramkit/pagepool/pkg/logger"
	"github.com/vramkit/pagepool/pkg/pagepool"
	"github.com/vramkit/pagepool/pkg/pressure"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	root := &cobra.Command{
		Use:   "pagepool",
		Short: "pagepool - pooled page allocator workbench",
		Long: `pagepool is a deferred page pooling allocator with shrinker-driven reclaim.
This tool exercises the allocator against a simulated device and reports
per-class pool occupancy.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pagepool v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newBenchCmd())
	root.AddCommand(newStatsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type benchFlags struct {
	configPath string
	pages      int64
	iterations int
	workers    int
	caching    string
	mapBus     bool
	jsonOut    bool
}

func newBenchCmd() *cobra.Command {
	flags := &benchFlags{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a fill/drain workload against a simulated device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML configuration")
	cmd.Flags().Int64Var(&flags.pages, "pages", 64, "Pages per fill")
	cmd.Flags().IntVar(&flags.iterations, "iterations", 1000, "Fill/drain cycles per worker")
	cmd.Flags().IntVar(&flags.workers, "workers", runtime.NumCPU(), "Concurrent workers")
	cmd.Flags().StringVar(&flags.caching, "caching", "wc", "Caching mode (cached, wc, uc)")
	cmd.Flags().BoolVar(&flags.mapBus, "map", false, "Request bus mappings for every fill")
	cmd.Flags().BoolVar(&flags.jsonOut, "json", false, "Emit the final report as JSON")

	return cmd
}

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		warmPages  int64
		caching    string
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show pool class layout and occupancy after a warm-up fill",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.New("stats")
			if configPath != "" {
				if err := config.Load(configPath, cfg); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			mode, err := parseCaching(caching)
			if err != nil {
				return err
			}

			dev := pagepool.NewSimDevice(cfg.Pooling.PageSize)
			mgr := pagepool.NewManager(dev, cfg)
			defer mgr.Close()

			if warmPages > 0 {
				alloc := mgr.NewAllocator("warm")
				defer alloc.Close()

				set := &pagepool.PageSet{Pages: warmPages, Caching: mode}
				if err := alloc.Fill(context.Background(), set, pagepool.FillOptions{}); err != nil {
					return err
				}
				alloc.Drain(set)
			}

			if jsonOut {
				return mgr.Registry().DumpJSON(os.Stdout)
			}
			return mgr.Registry().WriteStats(os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration")
	cmd.Flags().Int64Var(&warmPages, "warm-pages", 0, "Pages to fill/drain before reporting")
	cmd.Flags().StringVar(&caching, "caching", "wc", "Caching mode for the warm-up fill")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the report as JSON")

	return cmd
}

func runBench(flags *benchFlags) error {
	cfg := config.New("bench")
	if flags.configPath != "" {
		if err := config.Load(flags.configPath, cfg); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: "console",
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	caching, err := parseCaching(flags.caching)
	if err != nil {
		return err
	}

	dev := pagepool.NewSimDevice(cfg.Pooling.PageSize)
	mgr := pagepool.NewManager(dev, cfg)
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No-op unless deferred zeroing is configured.
	go mgr.Run(ctx)

	if cfg.Reclaim.EnableWatcher {
		watcher := pressure.NewWatcher(mgr.Registry(), cfg.Reclaim)
		go watcher.Run(ctx)
	}

	if iv := cfg.Observability.StatsInterval; iv > 0 {
		go func() {
			ticker := time.NewTicker(iv)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = mgr.Registry().WriteStats(os.Stderr)
				}
			}
		}()
	}

	log.Info("starting bench",
		zap.Int64("pages", flags.pages),
		zap.Int("iterations", flags.iterations),
		zap.Int("workers", flags.workers),
		zap.String("caching", flags.caching))

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, flags.workers)
	for i := 0; i < flags.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			wctx := context.WithValue(ctx, logger.DeviceKey, "sim0")
			wctx = context.WithValue(wctx, logger.CachingKey, flags.caching)
			wlog := logger.WithContext(wctx)

			var allocOpts []pagepool.Option
			if cfg.Pooling.UseCoherent {
				allocOpts = append(allocOpts, pagepool.WithCoherent())
			}
			if cfg.Pooling.UseDMA32 {
				allocOpts = append(allocOpts, pagepool.WithDMA32())
			}
			alloc := mgr.NewAllocator(fmt.Sprintf("worker-%d", worker), allocOpts...)
			defer alloc.Close()

			opts := pagepool.FillOptions{MapBus: flags.mapBus}
			for iter := 0; iter < flags.iterations; iter++ {
				set := &pagepool.PageSet{Pages: flags.pages, Caching: caching}
				if err := alloc.Fill(wctx, set, opts); err != nil {
					errs <- err
					return
				}
				alloc.Drain(set)
			}
			wlog.Debug("worker complete", zap.Int("worker", worker))
		}(i)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}
	elapsed := time.Since(start)

	fills := int64(flags.workers) * int64(flags.iterations)
	log.Info("bench complete",
		zap.Duration("elapsed", elapsed),
		zap.Int64("fills", fills),
		zap.Float64("fills_per_second", float64(fills)/elapsed.Seconds()),
		zap.Int("live_allocs", dev.LiveAllocs()))

	if flags.jsonOut {
		report := struct {
			Elapsed        string         `json:"elapsed"`
			Fills          int64          `json:"fills"`
			FillsPerSecond float64        `json:"fills_per_second"`
			Pools          pagepool.Stats `json:"pools"`
		}{
			Elapsed:        elapsed.String(),
			Fills:          fills,
			FillsPerSecond: float64(fills) / elapsed.Seconds(),
			Pools:          mgr.Registry().Stats(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	return mgr.Registry().WriteStats(os.Stdout)
}

func parseCaching(s string) (pagepool.Caching, error) {
	switch s {
	case "cached":
		return pagepool.CachingCached, nil
	case "wc":
		return pagepool.CachingWriteCombined, nil
	case "uc":
		return pagepool.CachingUncached, nil
	default:
		return 0, fmt.Errorf("unknown caching mode %q", s)
	}
}
