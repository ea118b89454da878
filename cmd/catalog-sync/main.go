package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jafarshop/catalog-sync/internal/checkpoint"
	"github.com/jafarshop/catalog-sync/internal/config"
	"github.com/jafarshop/catalog-sync/internal/engine"
	"github.com/jafarshop/catalog-sync/internal/feed"
	"github.com/jafarshop/catalog-sync/internal/logging"
	"github.com/jafarshop/catalog-sync/internal/media"
	"github.com/jafarshop/catalog-sync/internal/metrics"
	"github.com/jafarshop/catalog-sync/internal/platform"
	"github.com/jafarshop/catalog-sync/internal/ratelimit"
	"github.com/jafarshop/catalog-sync/internal/shadow"
)

// Set via -ldflags at build time.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		dryRun     = flag.Bool("dry-run", false, "compute and report the change-set without writing anything")
		autoDelete = flag.Bool("auto-delete", false, "delete remote products missing from the feed")
		overwrite  = flag.Bool("overwrite-conflicts", false, "push local state over drifted remote edits")
		resume     = flag.Bool("resume", true, "continue from a saved checkpoint when the feed is unchanged")
		jsonReport = flag.Bool("json-report", false, "print the run report as JSON on stdout")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *dryRun {
		cfg.Run.DryRun = true
	}
	if *autoDelete {
		cfg.Run.AutoDelete = true
	}
	if *overwrite {
		cfg.Run.OverwriteConflicts = true
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("catalog-sync starting",
		"version", Version, "git_sha", GitSHA,
		"dry_run", cfg.Run.DryRun, "auto_delete", cfg.Run.AutoDelete)

	if cfg.Metrics.Enabled {
		metrics.Init("catalog_sync")
		go func() {
			if err := metrics.Serve(cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("signal received, draining", "signal", sig.String())
		cancel()
	}()

	f, err := feed.Load(ctx, cfg.Feed.URL)
	if err != nil {
		log.Error("feed rejected", "error", err)
		return 2
	}
	log.Info("feed loaded", "records", len(f.Records), "feed_hash", f.Hash)

	var store shadow.Store
	if cfg.Run.DryRun && cfg.Shadow.PostgresDSN == "" {
		// Dry runs without a database still work; nothing is written anyway.
		store = shadow.NewMemoryStore()
	} else {
		pg, err := shadow.NewPostgresStore(cfg.Shadow.PostgresDSN)
		if err != nil {
			log.Error("shadow store unavailable", "error", err)
			return 2
		}
		store = pg
	}
	defer store.Close()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.Limiter.RequestsPerSecond,
		MinRatePerSecond:  cfg.Limiter.MinRatePerSecond,
		Burst:             cfg.Limiter.Burst,
		CoolOff:           cfg.Limiter.CoolOff,
	})
	client := platform.NewClient(platform.Config{
		ShopDomain:  cfg.Platform.ShopDomain,
		AccessToken: cfg.Platform.AccessToken,
		APIVersion:  cfg.Platform.APIVersion,
		Timeout:     cfg.Platform.Timeout,
	}, limiter)

	pipeline := media.NewPipeline(media.Config{
		MaxBytes:     cfg.Media.MaxBytes,
		MaxDimension: cfg.Media.MaxDimension,
		JPEGQuality:  cfg.Media.JPEGQuality,
		PollInterval: cfg.Media.PollInterval,
		PollAttempts: cfg.Media.PollAttempts,
	}, client)

	ckpt, err := checkpoint.NewManager(cfg.CheckpointDir)
	if err != nil {
		log.Error("checkpoint manager failed", "error", err)
		return 2
	}

	orch := engine.New(engine.Options{
		AutoDelete:         cfg.Run.AutoDelete,
		OverwriteConflicts: cfg.Run.OverwriteConflicts,
		Concurrency:        cfg.Run.Concurrency,
		BatchSize:          cfg.Run.BatchSize,
		DryRun:             cfg.Run.DryRun,
		Fresh:              !*resume,
		Retry: engine.RetryPolicy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	}, store, client, pipeline, ckpt)

	report, err := orch.Run(ctx, f)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			log.Info("run interrupted, rerun with the same feed to resume")
			printReport(*jsonReport, report)
			return 1
		case platform.IsFatal(err):
			log.Error("run aborted", "error", err)
			return 2
		default:
			log.Error("run failed", "error", err)
			return 1
		}
	}

	printReport(*jsonReport, report)
	if report.DeadLettered > 0 || report.MediaDeadLettered > 0 {
		return 1
	}
	return 0
}

func printReport(asJSON bool, report *engine.Report) {
	if !asJSON || report == nil {
		return
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(out))
}
