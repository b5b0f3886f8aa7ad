// vigild is the metrics monitoring daemon: it scrapes targets, runs
// reachability probes, stores samples durably, and serves the admin and
// query HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigil-sh/vigil/internal/collect"
	"github.com/vigil-sh/vigil/internal/loader"
	"github.com/vigil-sh/vigil/internal/logging"
	"github.com/vigil-sh/vigil/internal/registry"
	"github.com/vigil-sh/vigil/internal/scheduler"
	"github.com/vigil-sh/vigil/internal/scraper"
	"github.com/vigil-sh/vigil/internal/server"
	"github.com/vigil-sh/vigil/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "vigil.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	watch := flag.Bool("watch", false, "watch config for changes")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	flag.Parse()

	logging.Init(logging.ParseLevel(*logLevel), *logJSON)
	log := logging.Component("main")
	log.Info("vigild starting", "version", Version)

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no config file found, using defaults", "path", *cfgPath)
			cfg = loader.DefaultConfig()
		} else {
			fatal(log, "load config", err)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	// Storage engine
	store, err := storage.New(loader.ToStorageConfig(cfg))
	if err != nil {
		fatal(log, "create storage", err)
	}
	if err := store.Start(); err != nil {
		fatal(log, "start storage", err)
	}
	log.Info("storage started", "data_dir", cfg.DataDir)

	// Scrape pipeline: the registry feeds the scheduler, workers scrape,
	// the collector writes results to storage.
	sc := scraper.New()
	schedCfg := scheduler.DefaultConfig()
	schedCfg.Workers = cfg.Scrape.Workers
	schedCfg.QueueSize = cfg.Scrape.QueueSize
	sched := scheduler.New(schedCfg, sc.Scrape)

	reg := registry.New(cfg.Listen)
	reg.SetReconcileFunc(sched.Reconcile)

	coll := collect.New(store)

	sched.Start()
	go coll.Run(sched.Results())

	if _, err := reg.Load(cfg); err != nil {
		fatal(log, "apply initial target set", err)
	}
	set, _ := reg.Current()
	log.Info("targets loaded",
		"targets", len(cfg.Targets), "probes", len(cfg.Probes), "scheduled", set.Len())

	// Reload re-reads the file and swaps the target set atomically.
	reload := func() error {
		next, err := loader.Load(*cfgPath)
		if err != nil {
			return err
		}
		_, err = reg.Load(next)
		return err
	}

	srv := server.New(cfg.Listen, store, reg, sched, coll, reload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *watch {
		go func() {
			if err := loader.Watch(ctx, *cfgPath, func(next *loader.Config) error {
				_, err := reg.Load(next)
				return err
			}); err != nil {
				log.Error("config watcher stopped", "error", err)
			}
		}()
	}

	// On SIGINT/SIGTERM stop accepting requests; the pipeline is drained
	// below, front to back, so every accepted result hits the WAL.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		fatal(log, "server", err)
	}

	sched.Stop()
	coll.Wait()
	if err := store.Stop(); err != nil {
		log.Warn("storage stop", "error", err)
	}
	log.Info("vigild stopped")
}

// fatal logs and exits. slog has no Fatal level.
func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
