package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/clinical-coding/platform/internal/admission"
	"github.com/clinical-coding/platform/internal/extraction"
	"github.com/clinical-coding/platform/internal/governance"
	"github.com/clinical-coding/platform/internal/ledger"
	"github.com/clinical-coding/platform/internal/shared/config"
	"github.com/clinical-coding/platform/internal/shared/database"
	"github.com/clinical-coding/platform/internal/shared/events"
	"github.com/clinical-coding/platform/internal/shared/logging"
	"github.com/clinical-coding/platform/internal/shared/metrics"
	secmiddleware "github.com/clinical-coding/platform/internal/shared/middleware"
	"github.com/clinical-coding/platform/internal/terminology"
	"github.com/clinical-coding/platform/internal/validation"
)

// maxBodyBytes caps request bodies; clinical notes are a few kilobytes.
const maxBodyBytes = 1 << 20

// App holds all application dependencies
type App struct {
	Config *config.Config
	Logger *logging.Logger
	DB     *database.DB
	Ledger ledger.Store
	Terms  *terminology.MemoryStore
	Bus    events.EventBus
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error(context.Background(), "platform stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx := context.Background()
	app := &App{Config: cfg, Logger: logger}
	defer app.Close()

	if err := app.openLedger(ctx); err != nil {
		return err
	}
	if err := app.loadTerminology(ctx); err != nil {
		return err
	}

	// Event bus is optional; alerts are still logged and listed without it.
	if cfg.KurrentDB.Enabled {
		bus, transport, err := events.NewEventBus(ctx, cfg.KurrentDB)
		if err != nil {
			logger.Warn(ctx, "KurrentDB not available, alerts will not be published", zap.Error(err))
		} else {
			app.Bus = bus
			logger.Info(ctx, "KurrentDB event bus initialized", zap.String("transport", transport))
		}
	}

	opts := []admission.Option{admission.WithLogger(logger)}
	if app.Bus != nil {
		opts = append(opts, admission.WithAlertSink(governance.NewAlertPublisher(app.Bus)))
	}
	ctrl := admission.NewController(app.Ledger, cfg.Quota, opts...)

	extractor := extraction.NewGeminiClient(cfg.Extractor, cfg.Quota.CostPerCall, logger)
	svc := governance.NewService(ctrl, extractor, validation.New(app.Terms), cfg.Pipeline, cfg.Quota, logger)

	handler := governance.NewHandler(svc, ctrl, app.Terms, cfg, logger)
	if app.DB != nil {
		handler.AddHealthCheck("database", app.DB.Health)
	}
	if app.Bus != nil {
		handler.AddHealthCheck("kurrentdb", func(context.Context) error { return app.Bus.Health() })
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.InputSanitizer(maxBodyBytes))
	r.Use(metrics.Middleware)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler(app))
	r.Mount("/api/v1", handler.Routes())

	// A request may run every attempt of every pass back to back.
	writeTimeout := cfg.Pipeline.CallTimeout*time.Duration(cfg.Pipeline.MaxAttempts) + 30*time.Second

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info(ctx, "shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "server shutdown error", zap.Error(err))
		}
		close(done)
	}()

	logger.Info(ctx, "clinical coding platform started",
		zap.String("env", cfg.Server.Env),
		zap.Int("port", cfg.Server.Port),
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("terminology", app.Terms.Version()),
		zap.Int("concepts", app.Terms.Len()),
		zap.String("model", cfg.Extractor.Model),
		zap.Int64("daily_calls", cfg.Quota.DailyCalls),
		zap.Int64("hourly_calls", cfg.Quota.HourlyCalls),
		zap.Float64("daily_cost", cfg.Quota.DailyCost),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info(ctx, "server stopped")
	return nil
}

// openLedger opens the configured usage ledger backend.
func (app *App) openLedger(ctx context.Context) error {
	cfg := app.Config
	switch cfg.Ledger.Backend {
	case "postgres":
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to ledger database: %w", err)
		}
		app.DB = db
		if err := database.Migrate(ctx, db.Pool, app.Logger); err != nil {
			return fmt.Errorf("failed to migrate ledger database: %w", err)
		}
		app.Ledger = ledger.NewPostgresStore(db.Pool)
		app.Logger.Info(ctx, "postgres usage ledger ready",
			zap.Int32("max_conns", db.Pool.Config().MaxConns),
			zap.Int32("min_conns", db.Pool.Config().MinConns),
		)
	case "leveldb":
		store, err := ledger.OpenLevelStore(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		app.Ledger = store
	default:
		app.Logger.Warn(ctx, "using in-memory usage ledger, usage is lost on restart")
		app.Ledger = ledger.NewMemoryStore()
	}
	return nil
}

// loadTerminology snapshots the configured terminology source.
func (app *App) loadTerminology(ctx context.Context) error {
	cfg := app.Config.Terminology
	started := time.Now()

	var (
		store *terminology.MemoryStore
		err   error
	)
	switch cfg.Source {
	case "yaml":
		store, err = terminology.LoadYAMLFile(cfg.Path)
	case "sqlserver":
		db, openErr := terminology.OpenSQLServer(ctx, cfg.DSN)
		if openErr != nil {
			return openErr
		}
		defer db.Close()
		store, err = terminology.LoadSQL(ctx, db, "sqlserver-"+started.UTC().Format("20060102"), cfg.Query)
	default:
		store, err = terminology.LoadRF2(cfg.Path, cfg.Language)
	}
	if err != nil {
		return fmt.Errorf("failed to load terminology: %w", err)
	}

	app.Terms = store
	app.Logger.Info(ctx, "terminology loaded",
		zap.String("source", cfg.Source),
		zap.String("version", store.Version()),
		zap.Int("concepts", store.Len()),
		zap.Duration("took", time.Since(started)),
	)
	return nil
}

// Close releases every opened dependency.
func (app *App) Close() {
	if app.Bus != nil {
		app.Bus.Close()
	}
	if app.Ledger != nil {
		if err := app.Ledger.Close(); err != nil {
			app.Logger.Warn(context.Background(), "failed to close ledger", zap.Error(err))
		}
	}
	if app.DB != nil {
		app.DB.Close()
	}
}

func infoHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"name":        "Clinical Coding Platform",
			"version":     "0.1.0",
			"terminology": app.Terms.Version(),
			"model":       app.Config.Extractor.Model,
			"docs":        "/api/v1",
		})
	}
}
