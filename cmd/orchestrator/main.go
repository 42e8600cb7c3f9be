// Command orchestrator launches the Skelly-Jelly core runtime: the event
// bus, event store, screenshot cache, batch assembler, module registry, and
// recovery supervisor.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	_ "modernc.org/sqlite"

	"github.com/skelly-jelly/core/internal/batch/assembler"
	"github.com/skelly-jelly/core/internal/bus/eventbus"
	"github.com/skelly-jelly/core/internal/cache/screenshotcache"
	"github.com/skelly-jelly/core/internal/config"
	"github.com/skelly-jelly/core/internal/logging"
	"github.com/skelly-jelly/core/internal/pool"
	"github.com/skelly-jelly/core/internal/registry"
	"github.com/skelly-jelly/core/internal/schema"
	httpserver "github.com/skelly-jelly/core/internal/server/http"
	"github.com/skelly-jelly/core/internal/store/eventstore"
	"github.com/skelly-jelly/core/internal/store/migrations"
	"github.com/skelly-jelly/core/internal/store/spillstore"
	"github.com/skelly-jelly/core/internal/supervisor"
	"github.com/skelly-jelly/core/internal/telemetry"
)

const (
	defaultConfigPath = "config/app.yaml"

	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	assemblerShutdownTimeout     = 5 * time.Second
	supervisorShutdownTimeout    = 10 * time.Second
	busShutdownTimeout           = 2 * time.Second
	poolManagerShutdownTimeout   = 5 * time.Second
	storeShutdownTimeout         = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	log, err := logging.NewProduction("info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetLogger(log)
	defer log.Sync()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg := config.LoadOrDefault(configPath)
	log.Info("configuration loaded", logging.String("path", configPath))

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	telemetryCfg.EnableMetrics = appCfg.Telemetry.EnableMetrics
	telemetryProvider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		log.Error("initialise telemetry", logging.Err(err))
		os.Exit(1)
	}

	poolMgr, err := buildPoolManager()
	if err != nil {
		log.Error("initialise pools", logging.Err(err))
		os.Exit(1)
	}

	db, err := openDatabase(ctx, appCfg.Storage.DatabasePath)
	if err != nil {
		log.Error("open database", logging.Err(err))
		os.Exit(1)
	}

	store := eventstore.New(db, eventstore.Retention{
		Raw:    time.Duration(appCfg.Storage.RetentionDays.Raw) * 24 * time.Hour,
		Minute: time.Duration(appCfg.Storage.RetentionDays.Minute) * 24 * time.Hour,
		Day:    time.Duration(appCfg.Storage.RetentionDays.Day) * 24 * time.Hour,
	})
	store.Start()

	spill := spillstore.NewSQLiteStore(db, appCfg.Storage.SpillMaxEntries)

	cache, err := screenshotcache.New(screenshotcache.Config{
		TTL:           appCfg.ScreenshotRetention(),
		DevModeRetain: boolToRetain(appCfg.Screenshots.DevModeRetain, appCfg.Screenshots.DevModeKeep),
	})
	if err != nil {
		log.Error("initialise screenshot cache", logging.Err(err))
		os.Exit(1)
	}

	bus := eventbus.NewMemoryBus(eventbus.Config{
		DefaultCapacity: appCfg.Bus.MaxQueueSize,
		FanoutWorkers:   appCfg.Bus.FanoutWorkers,
		AckTimeout:      time.Duration(appCfg.Bus.AckTimeoutMs) * time.Millisecond,
		Pools:           poolMgr,
	})

	asm := assembler.New(assembler.Config{
		WindowDuration: appCfg.BatchWindow(),
		MaxBatchSize:   appCfg.Storage.MaxBatchSize,
		Bus:            bus,
		Spill:          spill,
		Pools:          poolMgr,
	})
	stopReplay := asm.StartReplay(ctx)

	reg := registry.New()
	if err := registerModules(reg); err != nil {
		log.Error("register modules", logging.Err(err))
		os.Exit(1)
	}

	sup := supervisor.NewManager(reg, appCfg.Resources, supervisor.WithBus(bus))

	var lifecycle conc.WaitGroup
	server := httpserver.New(appCfg.APIServer.Addr, reg, nil)
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil {
			log.Error("control server", logging.Err(err))
		}
	})
	log.Info("control API listening", logging.String("addr", appCfg.APIServer.Addr))

	log.Info("orchestrator started; awaiting shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, log, shutdownConfig{
		server:     server,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		assembler:  asm,
		stopReplay: stopReplay,
		supervisor: sup,
		bus:        bus,
		cache:      cache,
		store:      store,
		poolMgr:    poolMgr,
		telemetry:  telemetryProvider,
	})

	log.Info("shutdown completed", logging.Duration("elapsed", time.Since(shutdownStart)))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func openDatabase(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if err := migrations.Apply(ctx, path, "", nil); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func buildPoolManager() (*pool.PoolManager, error) {
	manager := pool.NewPoolManager()
	if err := manager.RegisterPool(pool.PoolRawEvent, 1024, func() any { return new(schema.RawEvent) }); err != nil {
		return nil, fmt.Errorf("register RawEvent pool: %w", err)
	}
	if err := manager.RegisterPool(pool.PoolEventBatch, 128, func() any { return new(schema.EventBatch) }); err != nil {
		return nil, fmt.Errorf("register EventBatch pool: %w", err)
	}
	return manager, nil
}

func registerModules(reg *registry.Registry) error {
	descriptors := []schema.ModuleDescriptor{
		{Name: string(schema.ModuleKindStorage), Kind: schema.ModuleKindStorage, StartTimeout: 30 * time.Second},
		{Name: string(schema.ModuleKindDataCapture), Kind: schema.ModuleKindDataCapture, DependsOn: []string{string(schema.ModuleKindStorage)}, StartTimeout: 15 * time.Second},
		{Name: string(schema.ModuleKindAnalysis), Kind: schema.ModuleKindAnalysis, DependsOn: []string{string(schema.ModuleKindStorage)}, StartTimeout: 30 * time.Second},
		{Name: string(schema.ModuleKindGamification), Kind: schema.ModuleKindGamification, DependsOn: []string{string(schema.ModuleKindAnalysis)}, StartTimeout: 15 * time.Second},
		{Name: string(schema.ModuleKindAIIntegration), Kind: schema.ModuleKindAIIntegration, DependsOn: []string{string(schema.ModuleKindGamification)}, StartTimeout: 15 * time.Second},
		{Name: string(schema.ModuleKindCuteFigure), Kind: schema.ModuleKindCuteFigure, DependsOn: []string{string(schema.ModuleKindAIIntegration)}, StartTimeout: 15 * time.Second},
	}
	for _, desc := range descriptors {
		if err := reg.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

func boolToRetain(devMode bool, keep int) int {
	if !devMode {
		return 0
	}
	return keep
}

type shutdownConfig struct {
	server     *httpserver.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	assembler  *assembler.Assembler
	stopReplay func()
	supervisor *supervisor.Manager
	bus        eventbus.Bus
	cache      *screenshotcache.Cache
	store      *eventstore.Store
	poolMgr    *pool.PoolManager
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, log logging.Logger, cfg shutdownConfig) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		log.Info("shutdown step starting", logging.String("step", name))
		if err := fn(stepCtx); err != nil {
			log.Error("shutdown step failed", logging.String("step", name), logging.Err(err))
		} else {
			log.Info("shutdown step completed", logging.String("step", name))
		}
	}

	if cfg.server != nil {
		step("stopping control server", controlServerShutdownTimeout, cfg.server.Shutdown)
	}

	if cfg.assembler != nil {
		step("flushing batch assembler", assemblerShutdownTimeout, func(stepCtx context.Context) error {
			cfg.assembler.Flush(stepCtx)
			if cfg.stopReplay != nil {
				cfg.stopReplay()
			}
			return nil
		})
	}

	if cfg.supervisor != nil {
		step("stopping modules", supervisorShutdownTimeout, func(stepCtx context.Context) error {
			cfg.supervisor.StopAll(stepCtx)
			return nil
		})
	}

	log.Info("cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		step("waiting for lifecycle goroutines", supervisorShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		step("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			cfg.bus.Close()
			return nil
		})
	}

	if cfg.cache != nil {
		step("closing screenshot cache", busShutdownTimeout, func(stepCtx context.Context) error {
			cfg.cache.Close()
			return nil
		})
	}

	if cfg.store != nil {
		step("stopping event store", storeShutdownTimeout, cfg.store.Stop)
	}

	if cfg.poolMgr != nil {
		step("shutting down pool manager", poolManagerShutdownTimeout, cfg.poolMgr.Shutdown)
	}

	if cfg.telemetry != nil {
		step("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
