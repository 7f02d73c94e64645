package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alxayo/moldpublisher/internal/logger"
	"github.com/alxayo/moldpublisher/internal/mold/archive"
	"github.com/alxayo/moldpublisher/internal/mold/config"
	"github.com/alxayo/moldpublisher/internal/mold/metrics"
	"github.com/alxayo/moldpublisher/internal/mold/registry"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level, using default\n")
	}
	log := logger.Logger().With("component", "cli")

	fileCfg, err := config.Load(cfg.configPath)
	if err != nil {
		log.Error("failed to load stream configuration", "path", cfg.configPath, "err", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()
	if cfg.metricsAddr != "" {
		prometheus.MustRegister(collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.metricsAddr, Handler: mux}
		go func() {
			log.Info("metrics server listening", "addr", cfg.metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	reg := registry.New(collector, log)
	scheduler := archive.NewScheduler(log)

	d := &daemon{reg: reg, scheduler: scheduler, logger: log, streams: map[string]config.StreamDef{}}
	if err := d.reconcile(fileCfg); err != nil {
		log.Error("failed to start configured streams", "err", err)
		os.Exit(1)
	}
	scheduler.Start()

	log.Info("moldpublisherd started", "config", cfg.configPath, "streams", len(fileCfg.Streams), "version", version)

	var watcher *config.Watcher
	if cfg.watch {
		watcher, err = config.NewWatcher(cfg.configPath, func(newCfg *config.FileConfig, reloadErr error) {
			if reloadErr != nil {
				log.Error("config reload failed, keeping previous stream set", "err", reloadErr)
				return
			}
			if err := d.reconcile(newCfg); err != nil {
				log.Error("failed to apply reloaded stream set", "err", err)
			}
		}, log)
		if err != nil {
			log.Error("failed to start config watcher", "err", err)
			os.Exit(1)
		}
		log.Info("watching configuration for changes", "path", cfg.configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	if watcher != nil {
		_ = watcher.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	scheduler.Stop(shutdownCtx)

	done := make(chan struct{})
	go func() {
		d.teardownAll(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		log.Info("all streams stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after shutdown timeout")
	}
}

// daemon tracks the currently-running stream set so reconcile can diff a
// reloaded configuration against it, creating additions and tearing down
// removals. Streams are keyed by name, so a renamed stream is torn down and
// created afresh; field changes to an already-running stream are left
// alone until the next full restart, the same scope the teacher's own
// relay manager gives its destinations.
type daemon struct {
	mu        sync.Mutex
	reg       *registry.Registry
	scheduler *archive.Scheduler
	logger    interface {
		Info(string, ...any)
		Error(string, ...any)
		Warn(string, ...any)
	}
	streams map[string]config.StreamDef
}

func (d *daemon) reconcile(fileCfg *config.FileConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	desired := make(map[string]config.StreamDef, len(fileCfg.Streams))
	for _, def := range fileCfg.Streams {
		desired[def.Name] = def
	}

	for name := range d.streams {
		if _, ok := desired[name]; !ok {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.reg.Teardown(ctx, name); err != nil {
				d.logger.Warn("failed to tear down removed stream", "stream", name, "err", err)
			} else {
				d.logger.Info("stream removed from configuration", "stream", name)
			}
			cancel()
			delete(d.streams, name)
		}
	}

	for name, def := range desired {
		if _, ok := d.streams[name]; ok {
			continue
		}
		sc, err := config.ToStreamConfig(def)
		if err != nil {
			return fmt.Errorf("stream %s: %w", name, err)
		}
		handle, err := d.reg.CreateStream(sc)
		if err != nil {
			return fmt.Errorf("stream %s: %w", name, err)
		}
		d.streams[name] = def
		d.logger.Info("stream started", "stream", name, "group", def.MulticastGroup, "recovery_addr", def.RecoveryAddr)

		if def.ArchiveDir != "" && def.ArchiveSchedule != "" {
			job := archive.NewJob(name, handle.Log, def.ArchiveDir, def.ArchiveRateLimitBytesPerSec, nil)
			if err := d.scheduler.AddJob(def.ArchiveSchedule, job); err != nil {
				d.logger.Warn("failed to schedule archive job", "stream", name, "err", err)
			}
		}
	}
	return nil
}

func (d *daemon) teardownAll(ctx context.Context) {
	d.mu.Lock()
	names := make([]string, 0, len(d.streams))
	for name := range d.streams {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		if err := d.reg.Teardown(ctx, name); err != nil {
			d.logger.Warn("stream teardown error", "stream", name, "err", err)
		}
	}
}
