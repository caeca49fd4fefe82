// Package main is the entry point for the sheetscan API server
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/james-see/sheetscan/pkg/api"
	"github.com/james-see/sheetscan/pkg/config"
	"github.com/james-see/sheetscan/pkg/logger"
	"github.com/james-see/sheetscan/pkg/vision"
)

func main() {
	port := flag.Int("port", 0, "Server port (overrides SHEETSCAN_SERVER_PORT)")
	envFile := flag.String("env-file", ".env", "Optional .env file")
	flag.Parse()

	if err := run(*port, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func run(port int, envFile string) error {
	cfg, err := config.Load(config.Options{EnvFile: envFile})
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	logger.SetDefault(log)
	if cfg.Gemini.APIKey == "" {
		log.Warn("no Gemini API key configured, /analyze will answer 503")
	}

	gemini := vision.NewGeminiClient(vision.GeminiConfig{
		APIKey:         cfg.Gemini.APIKey,
		BaseURL:        cfg.Gemini.BaseURL,
		Models:         cfg.Gemini.Models,
		DiscoverModels: cfg.Gemini.DiscoverModels,
		Timeout:        cfg.Gemini.Timeout,
		MaxRetries:     cfg.Gemini.MaxRetries,
		Logger:         log,
	})

	srv, err := api.FromConfig(cfg, gemini, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx, cfg.Server.Addr())
}
