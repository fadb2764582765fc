// Package ttsworker implements process E's TTS half: a TCP listener
// accepting length-prefixed text chunks (same framing as LLM), a
// bounded-concurrency synthesis stage (a contract-level stub — the
// synthesizer itself is external), and a per-call outward connection to
// the outbound processor carrying the resulting audio using the
// TTS-to-outbound chunk framing, complete with rendezvous
// announcement and a strictly monotonic chunk_id.
package ttsworker

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/voicebridge/internal/metrics"
	"github.com/flowpbx/voicebridge/internal/rendezvous"
	"github.com/flowpbx/voicebridge/internal/wire"
)

// ttsAudioPortBase is added to call_id to derive this worker's per-call
// outward audio listen port, per the spec's "9002 + call_id" rule.
const ttsAudioPortBase = 9002

// maxTextLen bounds an incoming text-to-synthesize message.
const maxTextLen = 64 * 1024

// audioConnTimeout bounds how long synthesis waits for the outbound
// processor to dial in after a rendezvous REGISTER before giving up on
// this call's audio delivery.
const audioConnTimeout = 5 * time.Second

// synthSampleRate is the sample rate stub-synthesized audio is
// generated at; 8kHz needs no resampling on the outbound processor.
const synthSampleRate = 8000

// Worker is process E's TTS half.
type Worker struct {
	listenAddr     string
	rendezvousBase int
	logger         *slog.Logger

	sem chan struct{}

	ln      net.Listener
	metrics *metrics.Worker
}

// New creates a Worker listening on listenAddr (typically :8090),
// announcing call readiness on rendezvousBase+call_id, gating
// concurrent synthesis jobs at concurrency (0 means
// min(4, runtime.NumCPU())).
func New(listenAddr string, rendezvousBase int, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
		if concurrency > 4 {
			concurrency = 4
		}
	}
	return &Worker{
		listenAddr:     listenAddr,
		rendezvousBase: rendezvousBase,
		logger:         logger.With("subsystem", "ttsworker"),
		sem:            make(chan struct{}, concurrency),
		metrics:        metrics.NewWorker("ttsworker"),
	}
}

// Start binds the listener and begins accepting connections.
func (w *Worker) Start() error {
	ln, err := net.Listen("tcp", w.listenAddr)
	if err != nil {
		return fmt.Errorf("ttsworker: listening on %s: %w", w.listenAddr, err)
	}
	w.ln = ln
	w.preload()
	go w.acceptLoop()
	w.logger.Info("tts worker listening", "addr", w.listenAddr, "concurrency", cap(w.sem))
	return nil
}

// preload simulates the eager model-preload contract behavior the spec
// calls out as non-algorithmic.
func (w *Worker) preload() {
	w.logger.Info("preloading synthesis model")
}

// Stop closes the listener, ending the accept loop.
func (w *Worker) Stop() {
	if w.ln != nil {
		w.ln.Close()
	}
}

func (w *Worker) acceptLoop() {
	for {
		conn, err := w.ln.Accept()
		if err != nil {
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
		w.logger.Warn("tts hello read failed", "error", err)
		return
	}
	logger := w.logger.With("call_id", callID)

	audio := newAudioSession(callID, w.rendezvousBase, logger)
	defer audio.close()

	w.metrics.ActiveSessions.Inc()
	defer w.metrics.ActiveSessions.Dec()

	for {
		text, ok, err := wire.ReadText(conn, maxTextLen)
		if err != nil {
			logger.Debug("tts connection read ended", "error", err)
			return
		}
		if !ok {
			return
		}
		if text == "" {
			continue
		}
		w.metrics.ChunksTotal.WithLabelValues("in").Inc()

		w.sem <- struct{}{}
		samples := synthesize(text)
		<-w.sem

		if err := audio.send(samples); err != nil {
			logger.Warn("failed to deliver synthesized audio", "error", err)
		} else {
			w.metrics.ChunksTotal.WithLabelValues("out").Inc()
		}
	}
}

// synthesize is the synthesis-algorithm contract stub: the spec
// specifies framing, concurrency gating, and routing only, leaving the
// synthesizer itself external. It produces a fixed-duration silence
// buffer proportional to the input text length, at synthSampleRate.
func synthesize(text string) []float32 {
	n := len(text) * 80 // ~10ms of samples per character, a stand-in duration
	if n == 0 {
		return nil
	}
	return make([]float32, n)
}

// audioSession owns one call's outward connection to the outbound
// processor: it opens a per-call listener, announces readiness via
// rendezvous, and streams chunks with a strictly monotonic chunk_id.
type audioSession struct {
	callID string
	logger *slog.Logger

	ln     net.Listener
	connCh chan net.Conn

	mu      sync.Mutex
	conn    net.Conn
	chunkID uint32
}

func newAudioSession(callID string, rendezvousBase int, logger *slog.Logger) *audioSession {
	a := &audioSession{
		callID: callID,
		logger: logger,
		connCh: make(chan net.Conn, 1),
	}

	port := ttsAudioPortBase + atoiOrZero(callID)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Error("failed to open outward audio listener", "port", port, "error", err)
		return a
	}
	a.ln = ln

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := wire.ReadHello(conn, 256); err != nil {
			logger.Warn("outward hello read failed", "error", err)
			conn.Close()
			return
		}
		a.connCh <- conn
	}()

	rendPort := rendezvousBase + atoiOrZero(callID)
	if err := rendezvous.SendRegister(rendPort, callID); err != nil {
		logger.Warn("failed to send rendezvous register", "port", rendPort, "error", err)
	}

	return a
}

func (a *audioSession) ensureConn() (net.Conn, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	select {
	case conn := <-a.connCh:
		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		return conn, nil
	case <-time.After(audioConnTimeout):
		return nil, fmt.Errorf("ttsworker: timed out waiting for outbound processor to connect")
	}
}

func (a *audioSession) send(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	conn, err := a.ensureConn()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.chunkID++
	chunk := wire.TTSChunk{
		SampleRate: synthSampleRate,
		ChunkID:    a.chunkID,
		Payload:    float32ToBytesLE(samples),
	}
	a.mu.Unlock()

	return wire.WriteTTSChunk(conn, chunk)
}

func (a *audioSession) close() {
	if a.ln != nil {
		a.ln.Close()
	}
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		wire.WriteTTSChunk(conn, wire.TTSChunk{})
		conn.Close()
	}
}

func atoiOrZero(s string) int {
	var n int
	fmt.Sscanf(s, "%d", &n)
	return n
}

func float32ToBytesLE(samples []float32) []byte {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(s))
	}
	return buf
}
