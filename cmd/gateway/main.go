package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/metrics"
	"github.com/flowpbx/voicebridge/internal/sipfsm"
)

func main() {
	cfg, err := config.Load(config.RoleGateway)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting sip gateway",
		"sip_port", cfg.SIPPort,
		"media_ip", cfg.MediaIP,
		"data_dir", cfg.DataDir,
	)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	lines := database.NewSIPLineRepository(db)
	callers := database.NewCallerRepository(db)
	calls := database.NewCallRepository(db)

	gw, err := sipfsm.NewGateway(cfg, lines, callers, calls, logger)
	if err != nil {
		logger.Error("failed to create sip gateway", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		logger.Error("failed to start sip gateway", "error", err)
		os.Exit(1)
	}

	gwMetrics := metrics.NewGateway()
	if cfg.MetricsPort != 0 {
		metricsSrv := metrics.Serve(fmt.Sprintf(":%d", cfg.MetricsPort))
		defer metricsSrv.Close()
		go pollActiveCalls(ctx, gw, gwMetrics)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()

	done := make(chan struct{})
	go func() {
		gw.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out, exiting anyway")
	}

	logger.Info("sip gateway stopped")
}

// pollActiveCalls refreshes the active-calls gauge every second until ctx
// is cancelled, since the dialog manager has no change-notification hook.
func pollActiveCalls(ctx context.Context, gw *sipfsm.Gateway, m *metrics.Gateway) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ActiveCalls.Set(float64(gw.ActiveCalls()))
		}
	}
}
