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
	"github.com/flowpbx/voicebridge/internal/metrics"
	"github.com/flowpbx/voicebridge/internal/sttworker"
)

func main() {
	cfg, err := config.Load(config.RoleSTTWorker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	logger.Info("starting stt worker", "rendezvous_port", cfg.STTPort, "llm_addr", fmt.Sprintf("%s:%d", cfg.LLMHost, cfg.LLMPort))

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	calls := database.NewCallRepository(db)
	llmAddr := fmt.Sprintf("%s:%d", cfg.LLMHost, cfg.LLMPort)
	worker := sttworker.New(cfg.STTPort, llmAddr, calls, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsPort != 0 {
		metricsSrv := metrics.Serve(fmt.Sprintf(":%d", cfg.MetricsPort))
		defer metricsSrv.Close()
	}

	if err := worker.Start(ctx); err != nil {
		logger.Error("failed to start stt worker", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	worker.Stop()
	logger.Info("stt worker stopped")
}
