// Package main is the entry point for the chive plugin host daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chive-pub/chive-sub000/internal/config"
	"github.com/chive-pub/chive-sub000/internal/event"
	"github.com/chive-pub/chive-sub000/internal/plugin"
	"github.com/chive-pub/chive-sub000/internal/plugin/metrics"
	"github.com/chive-pub/chive-sub000/internal/plugin/security"
	"github.com/chive-pub/chive-sub000/internal/plugin/storage"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("chived %s (%s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if err := serve(cfg, logger); err != nil {
		logger.Error("daemon failed", zap.Error(err))
		return 1
	}
	return 0
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	reg := metrics.NewRegistry(promReg)

	bus := event.NewBus(logger.Named("bus"))
	enforcer := security.NewEnforcer()
	governor := security.NewGovernor(governorDefaults(cfg.Plugins), security.Policy{
		MaxConsecutiveTimeouts: cfg.Plugins.MaxConsecutiveTimeouts,
	})

	loader := plugin.NewLoader(
		plugin.WithSearchPaths(cfg.Plugins.Paths...),
		plugin.WithLoaderLogger(logger.Named("loader")),
	)
	factory := plugin.NewContextFactory(bus, enforcer, governor, store,
		plugin.WithMetrics(reg),
		plugin.WithLogger(logger.Named("plugin")),
	)
	manager := plugin.NewManager(plugin.ManagerConfig{
		InitTimeout:   cfg.Plugins.InitTimeout.Std(),
		InvokeTimeout: cfg.Plugins.InvokeTimeout.Std(),
		DefaultBudget: governorDefaults(cfg.Plugins),
		Policy:        security.Policy{MaxConsecutiveTimeouts: cfg.Plugins.MaxConsecutiveTimeouts},
	}, bus, loader, factory, governor,
		plugin.WithManagerLogger(logger.Named("manager")),
		plugin.WithManagerMetrics(reg),
	)

	var watcher *plugin.Watcher
	if cfg.Plugins.Watch {
		watcher = plugin.NewWatcher(manager, cfg.Plugins.Paths,
			plugin.WithWatcherLogger(logger.Named("watcher")))
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("plugin watcher disabled", zap.Error(err))
			watcher = nil
		}
	}

	for _, m := range loader.Discover() {
		id, err := manager.Load(ctx, m.Path())
		if err != nil {
			logger.Error("skipping plugin",
				zap.String("plugin", m.ID),
				zap.Error(err))
			continue
		}
		if watcher != nil {
			watcher.Track(m.Path(), id)
		}
	}
	logger.Info("plugins loaded", zap.Int("count", manager.Count()))

	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Listen))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if watcher != nil {
		watcher.Stop()
	}
	if metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutCtx)
		cancel()
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.ShutdownAll(shutCtx)
	return nil
}

func governorDefaults(pc config.PluginConfig) security.Budget {
	return security.Budget{
		CPUTime:      pc.MaxCPUTime.Std(),
		MemoryBytes:  pc.MaxMemoryBytes,
		StorageBytes: pc.MaxStorageBytes,
	}
}

func openStore(sc config.StorageConfig) (storage.Store, error) {
	if sc.Path == "" {
		return storage.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
		return nil, err
	}
	return storage.OpenSQLite(sc.Path)
}

func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}

	var zcfg zap.Config
	if lc.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
