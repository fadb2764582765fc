package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/llmworker"
	"github.com/flowpbx/voicebridge/internal/metrics"
)

func main() {
	cfg, err := config.Load(config.RoleLLMWorker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	listenAddr := fmt.Sprintf(":%d", cfg.LLMPort)
	ttsAddr := fmt.Sprintf("%s:%d", cfg.TTSHost, cfg.TTSPort)
	logger.Info("starting llm worker", "listen_addr", listenAddr, "tts_addr", ttsAddr)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	calls := database.NewCallRepository(db)
	worker := llmworker.New(listenAddr, ttsAddr, calls, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsPort != 0 {
		metricsSrv := metrics.Serve(fmt.Sprintf(":%d", cfg.MetricsPort))
		defer metricsSrv.Close()
	}

	if err := worker.Start(ctx); err != nil {
		logger.Error("failed to start llm worker", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	worker.Stop()
	logger.Info("llm worker stopped")
}
