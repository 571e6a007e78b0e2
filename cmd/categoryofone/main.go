package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/RLAsoftware/category-of-one/internal/app"
	"github.com/RLAsoftware/category-of-one/internal/config"
	"github.com/RLAsoftware/category-of-one/internal/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf(".env load failed: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Mode:     cfg.LogMode,
		Level:    cfg.LogLevel,
		Redact:   cfg.LogRedact,
		HashSalt: cfg.LogHashSalt,
	})
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build failed", "error", err)
	}
	logger.Info("llm provider resolved",
		"provider", res.LLM.Provider,
		"detail", res.LLM.Detail,
		"model", res.LLM.DefaultModel,
	)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	if err := res.Cleanup(); err != nil {
		logger.Warn("cleanup failed", "error", err)
	}

	logger.Info("shutdown complete")
}
