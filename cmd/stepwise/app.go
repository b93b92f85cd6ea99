package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/stepwise/internal/catalog"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/metrics"
	"github.com/rendis/stepwise/internal/params"
	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/tools"
	"github.com/rendis/stepwise/internal/tracing"
	"github.com/rendis/stepwise/pkg/mcp"
)

// app holds every wired component of a stepwise process.
type app struct {
	cfg    Config
	level  *slog.LevelVar
	logger *slog.Logger

	catalog   *catalog.Catalog
	loader    *catalog.Loader
	registry  *tools.Registry
	providers *tools.Providers
	archive   *store.LibSQLArchive
	metrics   *metrics.Hook
	notifier  *mcp.Notifier
	engine    *engine.Engine
	scheduler *scheduler.Scheduler

	metricsServer *http.Server
	stopTracing   func(context.Context) error
}

// newApp wires components bottom-up. On error everything already opened is closed.
func newApp(ctx context.Context, cfg Config) (_ *app, err error) {
	a := &app{cfg: cfg, level: new(slog.LevelVar)}
	a.level.Set(logging.ParseLevel(cfg.LogLevel))
	a.logger = logging.New(logging.Config{
		LevelVar: a.level,
		Format:   logging.Format(cfg.LogFormat),
	})
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if cfg.Tracing {
		stop, err := tracing.Init(ctx, tracing.Config{ServiceName: "stepwise", ServiceVersion: version})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.stopTracing = stop
	}

	a.registry = tools.NewRegistry(tools.DefaultCircuitBreakerConfig())
	if err := tools.RegisterBuiltins(a.registry); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}
	a.providers = tools.NewProviders(a.registry, a.logger)
	for _, pc := range cfg.Providers {
		if err := a.providers.Load(ctx, pc); err != nil {
			// A broken provider only disables its own tools.
			a.logger.Warn("tool provider unavailable",
				slog.String("provider", pc.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	validator, err := catalog.NewValidator(a.registry)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	a.catalog = catalog.New()
	a.loader = catalog.NewLoader(a.catalog, validator, a.logger)
	if _, err := a.loader.LoadBuiltins(); err != nil {
		return nil, fmt.Errorf("load builtin workflows: %w", err)
	}
	a.loadWorkflowDir(cfg.WorkflowDir)

	if cfg.DBPath != "" {
		dir := filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:"))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
		a.archive, err = store.NewLibSQLArchive(dbURI(cfg.DBPath))
		if err != nil {
			return nil, err
		}
		if err := a.archive.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate archive: %w", err)
		}
	}

	a.metrics = metrics.New(nil)
	a.notifier = mcp.NewNotifier(a.logger)

	deps := engine.Deps{
		Catalog: a.catalog,
		Tools:   a.registry,
		Hooks:   []engine.StepHook{a.metrics, a.notifier},
		Logger:  a.logger,
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	a.engine, err = engine.New(engine.Config{
		IdleTimeout:     time.Duration(cfg.IdleTimeout),
		ReapInterval:    time.Duration(cfg.ReapInterval),
		OutputDirectory: cfg.OutputDir,
		PersistOutputs:  cfg.PersistOutputs,
		DisplayTokens:   cfg.DisplayTokens,
		MaxStepTokens:   cfg.MaxStepTokens,
		MaxParallel:     cfg.MaxParallel,
		Defaults: params.Defaults{
			Model:       cfg.DefaultModel,
			Temperature: cfg.DefaultTemperature,
			MaxTokens:   cfg.DefaultMaxTokens,
		},
	}, deps)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// loadWorkflowDir discovers user workflows. Invalid files are logged and skipped.
func (a *app) loadWorkflowDir(dir string) {
	n, err := a.loader.LoadDir(dir)
	if err != nil {
		a.logger.Warn("some workflow files were rejected",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
	a.logger.Info("workflows loaded",
		slog.String("dir", dir),
		slog.Int("discovered", n),
		slog.Int("total", a.catalog.Len()),
	)
}

// startBackground launches the metrics endpoint and the archive prune job.
func (a *app) startBackground(ctx context.Context) error {
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		a.metricsServer = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
		a.logger.Info("metrics endpoint listening", slog.String("addr", a.cfg.MetricsAddr))
	}

	if a.archive != nil && a.cfg.ArchiveRetention > 0 {
		a.scheduler = scheduler.NewScheduler(time.Minute, a.logger)
		job := scheduler.ArchivePruneJob(a.archive, a.cfg.PruneSchedule, time.Duration(a.cfg.ArchiveRetention), a.logger)
		if err := a.scheduler.Add(job); err != nil {
			return err
		}
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// reload applies the settings that can change without a restart.
func (a *app) reload(next Config) {
	d := diffConfigs(a.cfg, next)
	if d.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
		a.logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	// Workflow files are rediscovered even when the directory is unchanged.
	a.loadWorkflowDir(next.WorkflowDir)
	if len(d.RestartNeeded) > 0 {
		a.logger.Warn("settings changed that need a restart",
			slog.String("fields", strings.Join(d.RestartNeeded, ",")),
		)
	}
	keep := a.cfg
	keep.LogLevel = next.LogLevel
	keep.WorkflowDir = next.WorkflowDir
	a.cfg = keep
}

// close shuts components down in reverse wiring order.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			a.logger.Warn("engine shutdown", slog.String("error", err.Error()))
		}
	}
	if a.providers != nil {
		a.providers.Close()
	}
	if a.archive != nil {
		_ = a.archive.Close()
	}
	if a.stopTracing != nil {
		_ = a.stopTracing(ctx)
	}
}

func dbURI(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}
