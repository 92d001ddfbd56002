// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/cellar/internal/api"
	"github.com/starford/cellar/internal/cells"
	"github.com/starford/cellar/internal/executor"
	"github.com/starford/cellar/internal/host"
	"github.com/starford/cellar/internal/journal"
	"github.com/starford/cellar/internal/mcpserver"
	"github.com/starford/cellar/internal/notebook"
	"github.com/starford/cellar/internal/rpc"
	"github.com/starford/cellar/internal/sse"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg, err := app.resolve()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	origin := cfg.App.ResolvedOrigin()
	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("origin", origin),
		slog.String("notebook_root", cfg.Notebook.Root),
		slog.Bool("watch", cfg.Notebook.Watch),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Cancelled on shutdown so the watcher and open RPC connections stop too.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	// Execution journal.
	db, err := journal.Open(cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("init journal: %w", err)
	}
	defer db.Close()

	// HMR broker.
	broker := sse.NewBroker(cfg.Host.ReloadThrottle)
	defer broker.Close()

	// Module host.
	rt, err := host.New(cfg.Notebook.Root, broker, logger)
	if err != nil {
		return fmt.Errorf("init module host: %w", err)
	}
	defer rt.Close()

	// Front-end connections, the notebook service and the executor refer to
	// one another, so they are joined after construction.
	hub := rpc.NewHub(logger)
	defer hub.Close()

	svc := notebook.New(cells.New(), rt, hub, logger)
	rt.SetLoader(svc)
	svc.SetExecutor(executor.New(rt, svc, hub, executor.Options{
		Origin:  origin,
		Journal: db,
		Logger:  logger,
	}))

	modules, err := api.NewModuleHandler(rt, cfg.Host.ImportMap, logger)
	if err != nil {
		return fmt.Errorf("init module handler: %w", err)
	}

	routes := api.RouterConfig{
		Cells:       svc,
		Executions:  db,
		Modules:     modules,
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		RPC:         hub.Endpoint(runCtx, rpc.NewServer(svc, logger)),
		HMR:         broker,
	}
	if cfg.MCP.Enabled {
		routes.MCP = mcpserver.New(svc, db).Handler()
	}

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/", api.NewRouter(routes))

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(runCtx)

	// Start file watcher; changed imports invalidate the cells that use them.
	if cfg.Notebook.Watch {
		g.Go(func() error {
			if err := host.Watch(gCtx, rt.Root(), logger, svc.FileChanged); err != nil {
				logger.Warn("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
