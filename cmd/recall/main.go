package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nidhogg/recall/internal/api"
	"github.com/nidhogg/recall/internal/config"
	"github.com/nidhogg/recall/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	cfg, cfgPath, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("Starting recall...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()
	eng, err := build(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	if err := eng.Start(ctx); err != nil {
		logger.Fatal("failed to start consolidation", zap.Error(err))
	}

	// Periodic removal of idle conversations.
	var cleanup *cron.Cron
	if after := cfg.Conversation.InactiveAfter.Duration; after > 0 {
		cleanup = cron.New()
		_, err := cleanup.AddFunc(cfg.Conversation.CleanupSchedule, func() {
			if _, err := eng.CleanupInactive(ctx, after); err != nil {
				logger.Warn("conversation cleanup failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("invalid cleanup schedule", zap.String("schedule", cfg.Conversation.CleanupSchedule), zap.Error(err))
		}
		cleanup.Start()
	}

	handler := api.NewHandler(eng, m.Handler(), logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("recall listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down recall...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if cleanup != nil {
		<-cleanup.Stop().Done()
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Warn("engine close", zap.Error(err))
	}
}
