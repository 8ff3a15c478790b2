package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/11PRIMUS/memento3/internal/handler"
	"github.com/11PRIMUS/memento3/internal/mcp"
	"github.com/11PRIMUS/memento3/internal/metrics"
	"github.com/11PRIMUS/memento3/internal/middleware"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the ingestion workers and the optional MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// newHTTPApp builds the Fiber application. gatherer backs /metrics when
// metrics are enabled.
func newHTTPApp(a *app, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:     a.cfg.AppName,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
	}))
	app.Use(middleware.Metrics(a.metrics))

	if a.cfg.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api/v1")
	handler.NewHealthHandler(a.repos).Register(api)
	handler.NewRepoHandler(a.repos, a.analysis, a.events).Register(api)
	handler.NewAnalysisHandler(a.analysis, a.repos).Register(api)
	handler.NewJobsHandler(a.tracker, a.queue).Register(api)

	app.Get("/", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"name": a.cfg.AppName, "version": a.cfg.Version, "api": "/api/v1"})
	})
	return app
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	if cfg.MetricsEnabled {
		m = metrics.Default()
	}
	a, err := newApp(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("starting MementoAI",
		"port", cfg.Port,
		"store", cfg.StoreDriver,
		"embed_provider", cfg.EmbedProvider,
		"ollama_embed", cfg.OllamaEmbedURL,
		"ollama_chat", cfg.OllamaChatURL,
		"mcp_enabled", cfg.MCPEnabled,
	)

	// Jobs outlive the signal so Stop can drain them.
	a.queue.Start(context.WithoutCancel(ctx))
	go a.sweeper.Run(ctx)

	if n, err := a.repos.ResumePending(ctx); err != nil {
		slog.Error("could not resume pending repositories", "error", err)
	} else if n > 0 {
		slog.Info("resumed pending repositories", "count", n)
	}

	if cfg.MCPEnabled {
		srv := mcp.NewServer(a.analysis, a.repos, cfg.Version, ":"+cfg.MCPPort)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("MCP server failed", "error", err)
			}
		}()
	}

	app := newHTTPApp(a, prometheus.DefaultGatherer)
	listenErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP listening", "port", cfg.Port)
		listenErr <- app.Listen(":"+cfg.Port, fiber.ListenConfig{DisableStartupMessage: !cfg.Debug})
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(sctx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := a.queue.Stop(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
