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

	"github.com/flowpbx/voicebridge/internal/config"
	"github.com/flowpbx/voicebridge/internal/control"
	"github.com/flowpbx/voicebridge/internal/metrics"
	"github.com/flowpbx/voicebridge/internal/outboundproc"
	"github.com/flowpbx/voicebridge/internal/rendezvous"
	"github.com/flowpbx/voicebridge/internal/shmring"
)

// ttsAudioPortBase is added to call_id to derive the TTS worker's
// per-call audio listen port, per the spec's "9002 + call_id" rule.
const ttsAudioPortBase = 9002

func main() {
	cfg, err := config.Load(config.RoleOutboundProc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	logger.Info("starting outbound processor", "control_socket", cfg.ControlSocketPath, "rendezvous_base", cfg.RendezvousBase)

	testTone := loadTestTone(cfg, logger)
	mgr := &manager{cfg: cfg, logger: logger, testTone: testTone, metrics: metrics.NewMediaProc("outboundproc")}

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
	logger.Info("outbound processor stopped")
}

// loadTestTone reads an optional test µ-law ring from a file named by
// the VOICEBRIDGE_OUTBOUNDPROC_TEST_TONE_PATH environment variable; its absence is
// normal (no optional test tone configured).
func loadTestTone(cfg *config.Config, logger *slog.Logger) []byte {
	path := os.Getenv("VOICEBRIDGE_OUTBOUNDPROC_TEST_TONE_PATH")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to load test tone, falling back to silence", "path", path, "error", err)
		return nil
	}
	return data
}

// manager tracks the single in-flight call this processor instance
// serves and the rendezvous listener that lets a TTS worker announce
// its readiness, matching the control protocol's argument-less
// DEACTIVATE.
type manager struct {
	cfg      *config.Config
	logger   *slog.Logger
	testTone []byte
	metrics  *metrics.MediaProc

	mu        sync.Mutex
	current   *outboundproc.Session
	rendezvou *rendezvous.Listener
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
		return false, fmt.Errorf("outboundproc: unhandled verb %q", cmd.Verb)
	}
}

func (m *manager) activate(callIDStr string) error {
	callID, err := strconv.ParseUint(callIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("outboundproc: invalid call_id %q: %w", callIDStr, err)
	}

	ring, err := shmring.Attach(shmring.PathFor("ap_out", callID))
	if err != nil {
		return fmt.Errorf("outboundproc: attaching outbound ring for call %d: %w", callID, err)
	}
	ring.SetProducerConnected(true)

	session := outboundproc.NewSession(callID, ring, m.testTone, m.logger)
	session.Start()

	rendPort := m.cfg.RendezvousBase + int(callID)
	listener, err := rendezvous.Listen(rendPort, func(ev rendezvous.Event) {
		if ev.Bye {
			return
		}
		go m.connectTTS(session, callID)
	}, m.logger)
	if err != nil {
		session.Stop()
		return fmt.Errorf("outboundproc: starting rendezvous listener for call %d: %w", callID, err)
	}

	m.mu.Lock()
	prevSession, prevListener := m.current, m.rendezvou
	m.current, m.rendezvou = session, listener
	m.mu.Unlock()

	if prevSession != nil {
		m.logger.Warn("activating over a still-active session, deactivating previous first")
		prevSession.Stop()
	}
	if prevListener != nil {
		prevListener.Close()
	}

	m.metrics.RingFillLevel.Set(1)
	m.logger.Info("call activated", "call_id", callID, "rendezvous_port", rendPort)
	return nil
}

// connectTTS dials the TTS worker's per-call audio listener with
// graduated backoff and, on success, hands the connection to the
// session's TTS reader loop.
func (m *manager) connectTTS(session *outboundproc.Session, callID uint64) {
	addr := fmt.Sprintf("127.0.0.1:%d", ttsAudioPortBase+int(callID))
	conn, err := outboundproc.DialWithBackoff(addr)
	if err != nil {
		m.logger.Warn("failed to connect to tts worker", "call_id", callID, "addr", addr, "error", err)
		return
	}
	if err := session.HandleTTSConnection(conn); err != nil {
		m.logger.Info("tts connection ended", "call_id", callID, "error", err)
	}
}

func (m *manager) deactivateCurrent() {
	m.mu.Lock()
	session, listener := m.current, m.rendezvou
	m.current, m.rendezvou = nil, nil
	m.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if session != nil {
		session.Stop()
	}
	m.metrics.RingFillLevel.Set(0)
}
