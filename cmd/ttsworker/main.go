package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/metrics"
	"github.com/flowpbx/voicebridge/internal/ttsworker"
)

func main() {
	cfg, err := config.Load(config.RoleTTSWorker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	listenAddr := fmt.Sprintf(":%d", cfg.TTSPort)
	logger.Info("starting tts worker", "listen_addr", listenAddr, "concurrency", cfg.TTSConcurrency)

	worker := ttsworker.New(listenAddr, cfg.RendezvousBase, cfg.TTSConcurrency, logger)

	if cfg.MetricsPort != 0 {
		metricsSrv := metrics.Serve(fmt.Sprintf(":%d", cfg.MetricsPort))
		defer metricsSrv.Close()
	}

	if err := worker.Start(); err != nil {
		logger.Error("failed to start tts worker", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", "signal", sig.String())

	worker.Stop()
	logger.Info("tts worker stopped")
}
