// Package sttworker implements process D: the recognition edge. It
// listens for rendezvous REGISTER datagrams announcing a new call,
// opens a per-call TCP listener for the inbound processor's float-PCM
// stream, runs recognition (a contract-level stub — the recognizer
// itself is external per the spec), and forwards non-empty transcript
// segments to the LLM worker over a persistent per-call connection.
package sttworker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/flowpbx/voicebridge/internal/metrics"
	"github.com/flowpbx/voicebridge/internal/rendezvous"
	"github.com/flowpbx/voicebridge/internal/wire"
)

// sttPortBase is added to call_id to derive this worker's per-call TCP
// listen port, per the spec's "9001 + call_id" rule.
const sttPortBase = 9001

// maxFrameBytes rejects any declared frame length above 2,000,000 bytes,
// per the spec's STT frame-loop validation rule.
const maxFrameBytes = 2_000_000

// idleTimeout destroys a session that has received no frame in this
// long, per the spec's per-worker session lifecycle (default 5 min).
const idleTimeout = 5 * time.Minute

// idleSweepInterval is how often the reaper checks for idle sessions.
const idleSweepInterval = 30 * time.Second

// Worker is process D. One Worker instance serves every call
// concurrently, keyed by call_id, each with its own TCP listener and
// LLM forwarding connection.
type Worker struct {
	rendezvousPort int
	llmAddr        string
	calls          database.CallRepository
	logger         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	rend    *rendezvous.Listener
	metrics *metrics.Worker
	sched   gocron.Scheduler
}

// New creates a Worker. rendezvousPort is the fixed UDP port (13000)
// this worker listens on for REGISTER/BYE announcements; llmAddr is the
// LLM worker's host:port.
func New(rendezvousPort int, llmAddr string, calls database.CallRepository, logger *slog.Logger) *Worker {
	return &Worker{
		rendezvousPort: rendezvousPort,
		llmAddr:        llmAddr,
		calls:          calls,
		logger:         logger.With("subsystem", "sttworker"),
		sessions:       make(map[string]*session),
		metrics:        metrics.NewWorker("sttworker"),
	}
}

// Start preloads the recognizer (a stub warmup step; the real model load
// is outside this repo's scope) and begins listening for rendezvous
// announcements. It returns once the rendezvous listener is bound.
func (w *Worker) Start(ctx context.Context) error {
	w.preload()

	rend, err := rendezvous.Listen(w.rendezvousPort, w.handleEvent, w.logger)
	if err != nil {
		return fmt.Errorf("sttworker: starting rendezvous listener: %w", err)
	}
	w.rend = rend

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("sttworker: creating idle-reap scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(idleSweepInterval),
		gocron.NewTask(w.sweepIdle),
	); err != nil {
		return fmt.Errorf("sttworker: scheduling idle-reap job: %w", err)
	}
	w.sched = sched
	sched.Start()

	w.logger.Info("stt worker listening", "rendezvous_port", w.rendezvousPort)
	return nil
}

// preload simulates the eager model-preload-with-exclusive-lock contract
// behavior the spec calls out as non-algorithmic: a one-time warmup step
// that must complete before the worker accepts its first call.
func (w *Worker) preload() {
	w.logger.Info("preloading recognition model")
}

// Stop closes the rendezvous listener, the idle-reap scheduler, and
// every active per-call session.
func (w *Worker) Stop() {
	if w.rend != nil {
		w.rend.Close()
	}
	if w.sched != nil {
		w.sched.StopJobs()  //nolint:errcheck
		w.sched.Shutdown()  //nolint:errcheck
	}
	w.mu.Lock()
	sessions := make([]*session, 0, len(w.sessions))
	for _, s := range w.sessions {
		sessions = append(sessions, s)
	}
	w.sessions = make(map[string]*session)
	w.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (w *Worker) handleEvent(ev rendezvous.Event) {
	if ev.Bye {
		w.closeSession(ev.CallID)
		return
	}
	go w.openSession(ev.CallID)
}

func (w *Worker) openSession(callID string) {
	id, err := strconv.ParseUint(callID, 10, 64)
	if err != nil {
		w.logger.Warn("rendezvous register with non-numeric call_id, ignoring", "call_id", callID)
		return
	}

	port := sttPortBase + int(id)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		w.logger.Error("failed to listen for call", "call_id", callID, "port", port, "error", err)
		return
	}

	s := &session{
		callID: callID,
		id:     int64(id),
		ln:     ln,
		worker: w,
	}
	s.touch()

	w.mu.Lock()
	w.sessions[callID] = s
	w.mu.Unlock()
	w.metrics.ActiveSessions.Set(float64(len(w.sessions)))

	go s.acceptLoop()
}

func (w *Worker) closeSession(callID string) {
	w.mu.Lock()
	s, ok := w.sessions[callID]
	if ok {
		delete(w.sessions, callID)
	}
	n := len(w.sessions)
	w.mu.Unlock()
	if ok {
		w.metrics.ActiveSessions.Set(float64(n))
		s.close()
	}
}

func (w *Worker) sweepIdle() {
	w.mu.Lock()
	var stale []*session
	for callID, s := range w.sessions {
		if s.idleFor() > idleTimeout {
			stale = append(stale, s)
			delete(w.sessions, callID)
		}
	}
	w.mu.Unlock()

	for _, s := range stale {
		w.logger.Info("reaping idle stt session", "call_id", s.callID)
		w.metrics.SessionsReaped.Inc()
		s.close()
	}
}

// session is one call's recognition session: its inbound TCP listener,
// the accepted connection from the inbound processor, and the
// persistent forwarding connection to the LLM worker.
type session struct {
	callID string
	id     int64
	ln     net.Listener
	worker *Worker

	mu        sync.Mutex
	conn      net.Conn
	llmConn   net.Conn
	lastFrame time.Time
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastFrame = time.Now()
	s.mu.Unlock()
}

func (s *session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFrame.IsZero() {
		return 0
	}
	return time.Since(s.lastFrame)
}

func (s *session) acceptLoop() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	hello, err := wire.ReadHello(conn, 4096)
	if err != nil {
		s.worker.logger.Warn("stt hello read failed", "call_id", s.callID, "error", err)
		s.close()
		return
	}
	if hello != s.callID {
		s.worker.logger.Warn("stt hello call_id mismatch", "expected", s.callID, "got", hello)
	}

	s.run()
}

func (s *session) run() {
	for {
		samples, ok, err := wire.ReadFloatPCM(s.conn, maxFrameBytes)
		if err != nil {
			s.worker.logger.Debug("stt frame read ended", "call_id", s.callID, "error", err)
			s.close()
			return
		}
		if !ok {
			s.close()
			return
		}
		s.touch()
		s.worker.metrics.ChunksTotal.WithLabelValues("in").Inc()

		text := recognize(samples)
		if text == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.worker.calls.AppendTranscription(ctx, s.id, text); err != nil {
			s.worker.logger.Error("failed to persist transcript", "call_id", s.callID, "error", err)
		}
		cancel()

		if err := s.forwardToLLM(text); err != nil {
			s.worker.logger.Warn("failed to forward transcript to llm", "call_id", s.callID, "error", err)
		}
	}
}

// recognize is the recognition-algorithm contract stub: the spec
// specifies framing, session lifecycle, and routing only, leaving the
// recognizer itself external. It reports a placeholder transcript
// segment proportional to the chunk's duration, or "" for silence-sized
// chunks, so downstream routing and persistence can be exercised.
func recognize(samples []float32) string {
	if len(samples) == 0 {
		return ""
	}
	return fmt.Sprintf("[utterance %d samples]", len(samples))
}

// forwardToLLM dials the LLM worker on first use and keeps the
// connection open across the life of the call, per the spec's "dial on
// first use, keep the connection open" rule.
func (s *session) forwardToLLM(text string) error {
	s.mu.Lock()
	conn := s.llmConn
	s.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = net.DialTimeout("tcp", s.worker.llmAddr, 3*time.Second)
		if err != nil {
			return fmt.Errorf("dialing llm worker at %s: %w", s.worker.llmAddr, err)
		}
		if err := wire.WriteHello(conn, s.callID); err != nil {
			conn.Close()
			return fmt.Errorf("sending hello to llm worker: %w", err)
		}
		s.mu.Lock()
		s.llmConn = conn
		s.mu.Unlock()
	}

	return wire.WriteText(conn, text)
}

func (s *session) close() {
	s.ln.Close()
	s.mu.Lock()
	conn, llmConn := s.conn, s.llmConn
	s.conn, s.llmConn = nil, nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if llmConn != nil {
		wire.WriteBye(llmConn)
		llmConn.Close()
	}
}
