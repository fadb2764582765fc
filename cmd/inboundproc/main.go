package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/control"
	"github.com/flowpbx/voicebridge/internal/inboundproc"
	"github.com/flowpbx/voicebridge/internal/metrics"
	"github.com/flowpbx/voicebridge/internal/shmring"
)

// sttPortBase is added to call_id to derive the STT worker's per-call
// TCP listen port, per the spec's "9001 + call_id" rule.
const sttPortBase = 9001

// drainWait bounds how long Deactivate waits for an in-flight chunk to
// finish forwarding before closing anyway.
const drainWait = 2 * time.Second

func main() {
	cfg, err := config.Load(config.RoleInboundProc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	logger.Info("starting inbound processor", "control_socket", cfg.ControlSocketPath, "stt_host", cfg.STTHost)

	m := metrics.NewMediaProc("inboundproc")
	mgr := &manager{cfg: cfg, logger: logger, metrics: m}

	srv, err := control.New(cfg.ControlSocketPath, mgr.handle, logger)
	if err != nil {
		logger.Error("failed to start control socket", "error", err)
		os.Exit(1)
	}

	if cfg.MetricsPort != 0 {
		metricsSrv := metrics.Serve(fmt.Sprintf(":%d", cfg.MetricsPort))
		defer metricsSrv.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("control socket stopped", "error", err)
		}
	}

	cancel()
	mgr.deactivateCurrent()
	srv.Close()
	logger.Info("inbound processor stopped")
}

// manager tracks the single in-flight call session this processor
// instance serves, matching the control protocol's argument-less
// DEACTIVATE (only one call can be active per processor at a time, one
// per RTP port per line).
type manager struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.MediaProc

	mu      sync.Mutex
	current *inboundproc.Session
}

func (m *manager) handle(cmd control.Command) (shutdown bool, err error) {
	switch cmd.Verb {
	case "ACTIVATE":
		return false, m.activate(cmd.CallID)
	case "DEACTIVATE":
		m.deactivateCurrent()
		return false, nil
	case "SHUTDOWN":
		m.deactivateCurrent()
		return true, nil
	default:
		return false, fmt.Errorf("inboundproc: unhandled verb %q", cmd.Verb)
	}
}

func (m *manager) activate(callIDStr string) error {
	callID, err := strconv.ParseUint(callIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("inboundproc: invalid call_id %q: %w", callIDStr, err)
	}

	ring, err := shmring.Attach(shmring.PathFor("ap_in", callID))
	if err != nil {
		return fmt.Errorf("inboundproc: attaching inbound ring for call %d: %w", callID, err)
	}

	session := inboundproc.NewSession(callIDStr, ring, m.logger)

	sttAddr := fmt.Sprintf("%s:%d", m.cfg.STTHost, sttPortBase+int(callID))
	if err := session.Activate(sttAddr); err != nil {
		ring.Close()
		return fmt.Errorf("inboundproc: activating session for call %d: %w", callID, err)
	}

	m.mu.Lock()
	previous := m.current
	m.current = session
	m.mu.Unlock()

	if previous != nil {
		m.logger.Warn("activating over a still-active session, deactivating previous first")
		previous.Deactivate(drainWait)
	}

	m.metrics.RingFillLevel.Set(1)
	m.logger.Info("call activated", "call_id", callID, "stt_addr", sttAddr)
	return nil
}

func (m *manager) deactivateCurrent() {
	m.mu.Lock()
	session := m.current
	m.current = nil
	m.mu.Unlock()

	if session == nil {
		return
	}
	session.Deactivate(drainWait)
	m.metrics.RingFillLevel.Set(0)
}
