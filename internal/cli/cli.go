// ============================================================================
// tileseed CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands driving the breeder
//
// Command Structure:
//   tileseed                       # Root command
//   ├── run                        # Daemon: storage, quota, breeder, metrics, health
//   ├── seed                       # One-shot seed or reseed of a bbox
//   ├── truncate                   # Synchronous truncate of a bbox
//   ├── status                     # Configuration and quota usage
//   └── --config, -c               # Config file (persistent)
//
// run Command:
//   1. Load config, set up logging
//   2. Open storage and quota, build layers and breeder
//   3. Start metrics HTTP server and gRPC health server (if enabled)
//   4. Dispatch the jobs listed under `jobs:`
//   5. Wait for SIGINT / SIGTERM
//   6. Stop health, breeder, quota (final checkpoint), storage, metrics
//
// seed Command:
//   Dispatches one job and prints progress every --progress interval until
//   the job finishes or the process is interrupted (which terminates it).
//
//   Examples:
//     tileseed seed -l roads --bbox 5.9,45.8,10.5,47.8 --zoom-stop 12 -t 8
//     tileseed seed -l roads --reseed --zoom-start 3 --zoom-stop 5
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/tileseed/internal/metrics"
	"github.com/ChuLiYu/tileseed/internal/quota"
	"github.com/ChuLiYu/tileseed/internal/seed"
	"github.com/ChuLiYu/tileseed/internal/server"
	"github.com/ChuLiYu/tileseed/pkg/types"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tileseed",
		Short: "tileseed: tile cache seeding engine",
		Long: `tileseed pre-generates, regenerates and truncates cached map tiles:
- job/task breeder over a shared worker pool
- per-tile retries with a job-wide failure breaker
- memory or SQLite tile storage
- crash-consistent disk quota accounting
- Prometheus metrics and gRPC health`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSeedCommand())
	rootCmd.AddCommand(buildTruncateCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func setupLogging(cfg *Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.slogLevel()})))
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the seeding daemon",
		Long:  "Start storage, quota, breeder, metrics and gRPC health, dispatch configured jobs and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

func runDaemon(ctx context.Context, cfg *Config) error {
	var m *metrics.Collector
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector()
		metricsSrv = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port))
		go func() {
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metricsSrv.Start(); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	a, err := newApp(ctx, cfg, m)
	if err != nil {
		return err
	}
	if a.quota != nil {
		a.quota.Start()
	}
	if err := a.breeder.Start(); err != nil {
		a.close()
		return fmt.Errorf("failed to start breeder: %w", err)
	}

	var health *server.Server
	if cfg.GRPC.Enabled {
		health = server.NewServer(fmt.Sprintf(":%d", cfg.GRPC.Port), a.breeder, time.Second)
		if err := health.Start(); err != nil {
			a.close()
			return err
		}
	}

	for i, jc := range cfg.Jobs {
		req, err := a.request(jc)
		if err != nil {
			slog.Error("Skipping configured job", "index", i, "error", err)
			continue
		}
		job, err := a.breeder.Seed(ctx, req)
		if err != nil {
			slog.Error("Failed to dispatch configured job", "index", i, "error", err)
			continue
		}
		slog.Info("Configured job dispatched", "job", job.ID(), "layer", jc.Layer, "type", req.Type)
	}

	slog.Info("System started successfully", "layers", a.layers.Names(), "storage", cfg.Storage.Backend)
	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if health != nil {
		health.Stop(shutdownCtx)
	}
	err = a.close()
	if metricsSrv != nil {
		err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
	}
	slog.Info("System stopped")
	return err
}

// ============================================================================
// seed
// ============================================================================

type rangeFlags struct {
	layer     string
	bbox      string
	format    string
	zoomStart int
	zoomStop  int
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.layer, "layer", "l", "", "layer name")
	cmd.Flags().StringVar(&f.bbox, "bbox", "", "minLon,minLat,maxLon,maxLat (default whole world)")
	cmd.Flags().StringVar(&f.format, "format", "image/png", "tile format")
	cmd.Flags().IntVar(&f.zoomStart, "zoom-start", 0, "first zoom level")
	cmd.Flags().IntVar(&f.zoomStop, "zoom-stop", 0, "last zoom level")
	cmd.MarkFlagRequired("layer")
}

func (f *rangeFlags) job(typ types.TaskType, threads int) JobConfig {
	return JobConfig{
		Layer:     f.layer,
		Type:      string(typ),
		Format:    f.format,
		BBox:      f.bbox,
		ZoomStart: f.zoomStart,
		ZoomStop:  f.zoomStop,
		Threads:   threads,
	}
}

func buildSeedCommand() *cobra.Command {
	var (
		rf       rangeFlags
		threads  int
		reseed   bool
		progress time.Duration
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed or reseed a tile range and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg)

			typ := types.TypeSeed
			if reseed {
				typ = types.TypeReseed
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return seedOnce(ctx, cmd.OutOrStdout(), cfg, rf.job(typ, threads), progress)
		},
	}
	rf.register(cmd)
	cmd.Flags().IntVarP(&threads, "threads", "t", 4, "tasks working on the job")
	cmd.Flags().BoolVar(&reseed, "reseed", false, "regenerate tiles that are already cached")
	cmd.Flags().DurationVar(&progress, "progress", 2*time.Second, "progress report interval")
	return cmd
}

func seedOnce(ctx context.Context, out io.Writer, cfg *Config, jc JobConfig, every time.Duration) error {
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.breeder.Start(); err != nil {
		return err
	}

	req, err := a.request(jc)
	if err != nil {
		return err
	}
	job, err := a.breeder.Seed(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Job %d: %s %s, %s tiles, %d tasks\n",
		job.ID(), req.Type, jc.Layer, humanize.Comma(req.Range.TileCount()), len(job.Tasks()))

	g, gctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})
	g.Go(func() error {
		defer close(finished)
		select {
		case <-job.Done():
			return nil
		case <-gctx.Done():
			a.breeder.TerminateJob(job.ID())
			<-job.Done()
			return gctx.Err()
		}
	})
	g.Go(func() error {
		if every <= 0 {
			return nil
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-finished:
				return nil
			case <-ticker.C:
				printProgress(out, job.Status())
			}
		}
	})
	waitErr := g.Wait()

	st := job.Status()
	printProgress(out, st)
	if waitErr != nil {
		return fmt.Errorf("job %d interrupted: %w", job.ID(), waitErr)
	}
	if st.State == types.StateDead {
		return fmt.Errorf("job %d ended %s after %d failures", job.ID(), st.State, st.Failures)
	}
	return nil
}

func printProgress(out io.Writer, st seed.JobStatus) {
	pct := 0.0
	if st.TilesTotal > 0 {
		pct = float64(st.TilesDone) / float64(st.TilesTotal) * 100
	}
	eta := "unknown"
	remaining := seed.UnknownRemaining
	for _, ts := range st.Tasks {
		remaining = max(remaining, ts.TimeRemaining)
	}
	if remaining >= 0 && st.State == types.StateRunning {
		eta = humanize.Time(time.Now().Add(remaining))
	}
	fmt.Fprintf(out, "  [%s] %s / %s tiles (%.1f%%), %d threads, %s failures, done %s\n",
		st.State,
		humanize.Comma(st.TilesDone),
		humanize.Comma(st.TilesTotal),
		pct,
		st.ActiveThreads,
		humanize.Comma(st.Failures),
		eta)
}

// ============================================================================
// truncate
// ============================================================================

func buildTruncateCommand() *cobra.Command {
	var rf rangeFlags
	cmd := &cobra.Command{
		Use:   "truncate",
		Short: "Delete the cached tiles of a range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg)
			return truncateOnce(cmd.Context(), cmd.OutOrStdout(), cfg, rf.job(types.TypeTruncate, 1))
		},
	}
	rf.register(cmd)
	return cmd
}

func truncateOnce(ctx context.Context, out io.Writer, cfg *Config, jc JobConfig) error {
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()

	tr, err := jc.tileRange()
	if err != nil {
		return err
	}
	var before quota.Usage
	if a.quota != nil {
		before = a.quota.LayerUsage(jc.Layer)
	}

	start := time.Now()
	job, err := a.breeder.TruncateSync(ctx, tr)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Job %d: truncated %s zoom %d-%d in %s\n",
		job.ID(), jc.Layer, tr.ZoomStart, tr.ZoomStop, time.Since(start).Round(time.Millisecond))
	if a.quota != nil {
		after := a.quota.LayerUsage(jc.Layer)
		fmt.Fprintf(out, "  freed %s (%s tiles)\n",
			humanize.Bytes(uint64(max(before.Bytes-after.Bytes, 0))),
			humanize.Comma(before.Tiles-after.Tiles))
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and quota usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(out io.Writer, cfg *Config) error {
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           tileseed status                                 ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Pool Size:     %d (queue %d)\n", cfg.Breeder.PoolSize, cfg.Breeder.QueueSize)
	fmt.Fprintf(out, "  ├─ Retries:       %d per tile, wait %s, abort after %d\n",
		cfg.Retry.TileFailureRetryCount, cfg.Retry.TileFailureRetryWaitTime, cfg.Retry.TotalFailuresBeforeAborting)
	fmt.Fprintf(out, "  ├─ Storage:       %s %s\n", cfg.Storage.Backend, cfg.Storage.Path)
	fmt.Fprintf(out, "  └─ Layers:        %d\n", len(cfg.Layers))
	for _, l := range cfg.Layers {
		fmt.Fprintf(out, "     └─ %s (meta %dx%d) %s\n", l.Name, max(l.MetaTiling[0], 1), max(l.MetaTiling[1], 1), l.Source.URLTemplate)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Quota:")
	if cfg.Quota.Dir == "" {
		fmt.Fprintln(out, "  └─ Disabled")
	} else {
		usage, err := quota.Inspect(cfg.Quota.Dir)
		if err != nil {
			return fmt.Errorf("failed to read quota: %w", err)
		}
		var total quota.Usage
		layerBytes := make(map[string]int64)
		for _, u := range usage {
			total.Bytes += u.Bytes
			total.Tiles += u.Tiles
			layerBytes[u.Set.Layer] += u.Bytes
			fmt.Fprintf(out, "  ├─ %-40s %10s %12s tiles\n", u.Set.String(), humanize.Bytes(uint64(max(u.Bytes, 0))), humanize.Comma(u.Tiles))
		}
		fmt.Fprintf(out, "  └─ Total: %s in %s tiles\n", humanize.Bytes(uint64(max(total.Bytes, 0))), humanize.Comma(total.Tiles))
		for _, layer := range slices.Sorted(maps.Keys(cfg.Quota.Limits)) {
			limit := cfg.Quota.Limits[layer]
			fmt.Fprintf(out, "     limit %s: %s", layer, humanize.Bytes(uint64(max(limit, 0))))
			if excess := cfg.Quota.Excess(layer, layerBytes[layer]); excess > 0 {
				fmt.Fprintf(out, ", over by %s", humanize.Bytes(uint64(excess)))
			}
			fmt.Fprintln(out)
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	fmt.Fprintln(out, "gRPC health:")
	if cfg.GRPC.Enabled {
		fmt.Fprintf(out, "  └─ Enabled on :%d\n", cfg.GRPC.Port)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	return nil
}
