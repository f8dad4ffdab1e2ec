// dashlink-host — example host process. Registers a small demo catalogue and
// stays connected to the dashboard until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dashlink/dashlink/pkg/config"
	"github.com/dashlink/dashlink/pkg/host"
	"github.com/dashlink/dashlink/pkg/io"
	"github.com/dashlink/dashlink/pkg/page"
	"github.com/dashlink/dashlink/pkg/routes"
	"github.com/dashlink/dashlink/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("DASHLINK_CONFIG", ""),
		"Path to dashlink.yaml (optional; env vars and defaults apply without it)")
	envPath := flag.String("env-file",
		getEnv("DASHLINK_ENV_FILE", ".env"),
		"Path to .env file loaded before the configuration")
	flag.Parse()

	config.LoadEnv(*envPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting host",
		"sdk", version.Full(),
		"endpoint", cfg.Endpoint)

	h, err := host.New(cfg)
	if err != nil {
		slog.Error("Failed to build host", "error", err)
		os.Exit(1)
	}

	if err := registerDemoRoutes(h.Routes()); err != nil {
		slog.Error("Failed to register routes", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := h.Listen(ctx); err != nil {
		slog.Error("Failed to connect to dashboard", "error", err)
		os.Exit(1)
	}
	slog.Info("Host connected",
		"environment", h.Environment(),
		"dashboard_url", h.DashboardURL())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	h.Close()
	slog.Info("Shutdown complete")
}

func registerDemoRoutes(registry *routes.Registry) error {
	if err := registry.Add("hello", &routes.Action{
		Name:        "Say hello",
		Description: "Asks for a name and greets it",
		Handler: func(ctx context.Context, actx *io.ActionContext) (any, error) {
			name := io.MustComponent(io.MethodInputText, "What is your name?", nil)
			values, err := actx.IO.RenderComponents(ctx, []*io.Component{name}, nil, nil)
			if err != nil {
				return nil, err
			}
			greeting := fmt.Sprintf("Hello, %s!", values[0])
			actx.Log(ctx, greeting)
			return greeting, nil
		},
	}); err != nil {
		return err
	}

	return registry.Add("status", &routes.Page{
		Name: "Status",
		Handler: func(ctx context.Context, pctx *page.Context) (*page.Layout, error) {
			return &page.Layout{
				Title:       "Host status",
				Description: fmt.Sprintf("Serving %s as %s", pctx.Environment, version.Full()),
			}, nil
		},
	})
}
