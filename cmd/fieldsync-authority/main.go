package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/fieldsync/internal/authority"
	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/agentworkforce/fieldsync/internal/payload"
)

func main() {
	logger, err := logging.Setup(os.Getenv("FIELDSYNC_AUTHORITY_LOG_LEVEL"), os.Getenv("FIELDSYNC_AUTHORITY_LOG_FORMAT"), os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log settings: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	opts, err := optionsFromEnv(logger)
	if err != nil {
		logger.Error("invalid authority configuration", "error", err)
		os.Exit(2)
	}
	server, err := authority.NewServer(opts)
	if err != nil {
		logger.Error("failed to build authority", "error", err)
		os.Exit(2)
	}
	addr := envOrDefault("FIELDSYNC_AUTHORITY_ADDR", ":8080")
	httpServer := &http.Server{Addr: addr, Handler: server, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("fieldsync authority listening", "addr", addr, "dedupe_window", opts.DedupeWindow)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func optionsFromEnv(logger *slog.Logger) (authority.Options, error) {
	opts := authority.Options{
		JWTSecret:    strings.TrimSpace(os.Getenv("FIELDSYNC_AUTHORITY_JWT_SECRET")),
		DedupeWindow: intEnv("FIELDSYNC_AUTHORITY_DEDUPE_WINDOW", authority.DefaultDedupeWindow),
		MaxBodyBytes: int64Env("FIELDSYNC_AUTHORITY_MAX_BODY_BYTES", 1<<20),
		Logger:       logger,
	}
	if opts.JWTSecret == "" {
		return opts, errors.New("FIELDSYNC_AUTHORITY_JWT_SECRET is required")
	}
	if path := strings.TrimSpace(os.Getenv("FIELDSYNC_AUTHORITY_PAYLOAD_SCHEMA")); path != "" {
		schema, err := payload.CompileFile(path)
		if err != nil {
			return opts, err
		}
		opts.Validator = schema
	}
	return opts, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
