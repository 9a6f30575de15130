// Command wpinfo runs the WordPress fingerprinting service: the admin HTTP
// API plus the scheduled feed sync, watch pass and sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/farahaniamin/WpDetectionBot/wpinfo"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	logLevel := flag.String("log-level", "", "debug | info | warn | error (default: $LOG_LEVEL or info)")
	flag.Parse()

	// A missing .env is normal in containers.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("load env file", "path", *envFile, "error", err)
		os.Exit(1)
	}

	level := *logLevel
	if level == "" {
		level = env("LOG_LEVEL", "info")
	}
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg := wpinfo.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = wpinfo.LoadConfigFile(*configPath)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := wpinfo.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("wpinfo init", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		slog.Error("wpinfo start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           svc.Routes(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	if err := svc.Close(); err != nil {
		slog.Error("close", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
