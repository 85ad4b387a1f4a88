// Command heraldd is the Herald background daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drewfead/herald/internal/config"
	"github.com/drewfead/herald/internal/gateway"
	"github.com/drewfead/herald/internal/logging"
)

// Version is set at build time
var Version = "dev"

func main() {
	exitCode := run()
	os.Exit(exitCode)
}

func run() (exitCode int) {
	// Top-level panic recovery
	defer func() {
		if r := recover(); r != nil {
			// Try to log to Sentry if initialized
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			exitCode = 2
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	// Initialize structured logging with Sentry
	logLevel := parseLogLevel(cfg.Daemon.LogLevel)
	if err := logging.Init(logging.Config{
		Level:     logLevel,
		SentryDSN: cfg.Daemon.SentryDSN,
		Env:       getEnv(),
		Version:   Version,
		LogFile:   cfg.Daemon.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logging.Flush(2 * time.Second)

	g, err := gateway.New(cfg, Version)
	if err != nil {
		logging.Error("failed to initialize gateway", "error", err)
		return 1
	}

	logging.Info("starting heraldd",
		"version", Version,
		"socket", cfg.Daemon.Socket,
		"accounts", len(cfg.Accounts),
		"sentry", cfg.Daemon.SentryDSN != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// Restore default handling so a second signal force-exits instead of
		// waiting out the drain.
		stop()
	}()

	if err := g.Run(ctx); err != nil {
		logging.Error("gateway error", "error", err)
		return 1
	}

	return 0
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv() string {
	if env := os.Getenv("HERALD_ENV"); env != "" {
		return env
	}
	return "development"
}
