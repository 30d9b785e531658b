// Command reflections serves the reflections feed, companion chat and
// ledger-backed economy over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	app "github.com/civic-os/reflections/internal/app"
	"github.com/civic-os/reflections/internal/app/runtime"
	"github.com/civic-os/reflections/internal/config"
	"github.com/civic-os/reflections/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (default config/reflections.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "reflections: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{
		Component: "reflections",
		Level:     cfg.Server.LogLevel,
		Format:    cfg.Server.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := runtime.NewServer(ctx, cfg, app.Dependencies{}, log)
	if err != nil {
		return err
	}
	if cfg.Ledger.BaseURL == "" {
		log.Warn("ledger base url not set; balances and awards will fail")
	}
	if cfg.LLM.APIKey == "" {
		log.Warn("llm api key not set; companion replies will fail")
	}

	if err := srv.Run(ctx, nil); err != nil {
		log.WithError(err).Error("server stopped with error")
		return err
	}
	log.Info("server stopped")
	return nil
}
