// Package llmworker implements process E's LLM half: a TCP listener
// identical in framing to the STT-to-LLM link (HELLO, then
// length-prefixed UTF-8 text, then BYE). It maintains a conversation
// transcript per call-id, replies on the same socket, persists the
// reply, and forwards it to the TTS worker over an outward connection
// opened once per call.
package llmworker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/metrics"
	"github.com/flowpbx/voicebridge/internal/wire"
)

// maxTextLen bounds an incoming transcript message.
const maxTextLen = 64 * 1024

// Worker is process E's LLM half.
type Worker struct {
	listenAddr string
	ttsAddr    string
	calls      database.CallRepository
	logger     *slog.Logger
	metrics    *metrics.Worker

	ln net.Listener
}

// New creates a Worker listening on listenAddr (typically :8083) and
// forwarding replies outward to ttsAddr.
func New(listenAddr, ttsAddr string, calls database.CallRepository, logger *slog.Logger) *Worker {
	return &Worker{
		listenAddr: listenAddr,
		ttsAddr:    ttsAddr,
		calls:      calls,
		logger:     logger.With("subsystem", "llmworker"),
		metrics:    metrics.NewWorker("llmworker"),
	}
}

// Start binds the listener and begins accepting connections in a
// background goroutine.
func (w *Worker) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.listenAddr)
	if err != nil {
		return fmt.Errorf("llmworker: listening on %s: %w", w.listenAddr, err)
	}
	w.ln = ln

	go w.acceptLoop(ctx)
	w.logger.Info("llm worker listening", "addr", w.listenAddr)
	return nil
}

// Stop closes the listener, ending the accept loop.
func (w *Worker) Stop() {
	if w.ln != nil {
		w.ln.Close()
	}
}

func (w *Worker) acceptLoop(ctx context.Context) {
	for {
		conn, err := w.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			w.logger.Warn("accept failed", "error", err)
			return
		}
		go w.handleConn(conn)
	}
}

func (w *Worker) handleConn(conn net.Conn) {
	defer conn.Close()

	callID, err := wire.ReadHello(conn, 256)
	if err != nil {
		w.logger.Warn("llm hello read failed", "error", err)
		return
	}
	logger := w.logger.With("call_id", callID)

	id, err := parseCallID(callID)
	if err != nil {
		logger.Warn("non-numeric call_id, rejecting connection", "error", err)
		return
	}

	conv := &conversation{callID: callID, id: id}
	defer conv.closeTTS()

	w.metrics.ActiveSessions.Inc()
	defer w.metrics.ActiveSessions.Dec()

	for {
		text, ok, err := wire.ReadText(conn, maxTextLen)
		if err != nil {
			logger.Debug("llm connection read ended", "error", err)
			return
		}
		if !ok {
			return
		}
		w.metrics.ChunksTotal.WithLabelValues("in").Inc()

		conv.history = append(conv.history, text)
		reply := generateReply(conv.history, text)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.calls.AppendLLMResponse(ctx, id, reply); err != nil {
			logger.Error("failed to persist llm reply", "error", err)
		}
		cancel()

		if err := wire.WriteText(conn, reply); err != nil {
			logger.Warn("failed to write reply", "error", err)
			return
		}

		if err := w.forwardToTTS(conv, reply); err != nil {
			logger.Warn("failed to forward reply to tts", "error", err)
		} else {
			w.metrics.ChunksTotal.WithLabelValues("out").Inc()
		}
	}
}

func parseCallID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// conversation holds one call's in-memory transcript history and its
// outward TTS forwarding connection.
type conversation struct {
	callID  string
	id      int64
	history []string

	mu      sync.Mutex
	ttsConn net.Conn
}

// generateReply is the LLM-algorithm contract stub: the spec fixes only
// the wire protocol and persistence/forwarding side effects, leaving the
// model itself external.
func generateReply(history []string, latest string) string {
	return fmt.Sprintf("ack: %s", latest)
}

func (w *Worker) forwardToTTS(conv *conversation, text string) error {
	conv.mu.Lock()
	conn := conv.ttsConn
	conv.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = net.DialTimeout("tcp", w.ttsAddr, 3*time.Second)
		if err != nil {
			return fmt.Errorf("dialing tts worker at %s: %w", w.ttsAddr, err)
		}
		if err := wire.WriteHello(conn, conv.callID); err != nil {
			conn.Close()
			return fmt.Errorf("sending hello to tts worker: %w", err)
		}
		conv.mu.Lock()
		conv.ttsConn = conn
		conv.mu.Unlock()
	}

	return wire.WriteText(conn, text)
}

func (c *conversation) closeTTS() {
	c.mu.Lock()
	conn := c.ttsConn
	c.ttsConn = nil
	c.mu.Unlock()
	if conn != nil {
		wire.WriteBye(conn)
		conn.Close()
	}
}
