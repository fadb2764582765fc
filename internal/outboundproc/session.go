package outboundproc

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/voicebridge/internal/scheduler"
	"github.com/flowpbx/voicebridge/internal/shmring"
	"github.com/flowpbx/voicebridge/internal/wire"
)

// Session is the per-call state of the outbound processor: the FIFO
// feeding the scheduler, the duplicate-chunk gate, the outbound ring,
// and the TCP connection to the TTS worker once one is rendezvoused.
type Session struct {
	CallID uint64

	fifo  *FIFO
	dedup ChunkDedup
	ring  *shmring.Ring
	sched *scheduler.Scheduler

	ttsConnected atomic.Bool
	ttsMu        sync.Mutex
	ttsConn      net.Conn

	// testTone, if set, is cycled as the silence source while TTS has
	// never connected for this call. Once TTS connects, the source
	// reverts permanently to true silence — it is never consulted again
	// even if the TTS connection later drops.
	testTone    []byte
	tonePos     int
	everConnected atomic.Bool

	logger *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewSession creates a session for callID, writing frames into ring on
// every scheduler tick. testTone may be nil.
func NewSession(callID uint64, ring *shmring.Ring, testTone []byte, logger *slog.Logger) *Session {
	s := &Session{
		CallID:   callID,
		fifo:     NewFIFO(),
		ring:     ring,
		testTone: testTone,
		logger:   logger.With("subsystem", "outbound-processor", "call_id", callID),
		stopped:  make(chan struct{}),
	}
	s.sched = scheduler.New(20*time.Millisecond, s.onTick)
	return s
}

// Start begins the scheduler. The caller is responsible for separately
// starting the rendezvous listener and TTS dial loop (see Rendezvous).
func (s *Session) Start() {
	go s.sched.Run()
}

// Stop halts the scheduler and closes any open TTS connection. Safe to
// call multiple times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.sched.Stop()
		s.ttsMu.Lock()
		if s.ttsConn != nil {
			s.ttsConn.Close()
		}
		s.ttsMu.Unlock()
	})
}

func (s *Session) onTick(time.Time) {
	frame, ok := s.fifo.TakeFrame()
	if !ok {
		frame = s.silenceFrame()
	}
	if err := s.ring.WriteFrame(frame); err != nil {
		s.logger.Debug("outbound ring write failed", "error", err)
	}
}

func (s *Session) silenceFrame() []byte {
	if s.testTone != nil && !s.everConnected.Load() {
		out := make([]byte, frameBytes)
		for i := range out {
			out[i] = s.testTone[s.tonePos]
			s.tonePos = (s.tonePos + 1) % len(s.testTone)
		}
		return out
	}
	out := make([]byte, frameBytes)
	for i := range out {
		out[i] = 0xFF
	}
	return out
}

// HandleTTSConnection takes ownership of a freshly dialed TTS connection
// and reads chunks from it until EOF, BYE, or a protocol error, after
// which it closes the connection and returns so the caller can re-arm
// the rendezvous listener for a future REGISTER.
func (s *Session) HandleTTSConnection(conn net.Conn) error {
	s.ttsMu.Lock()
	s.ttsConn = conn
	s.ttsMu.Unlock()
	s.ttsConnected.Store(true)
	s.everConnected.Store(true)
	defer func() {
		s.ttsConnected.Store(false)
		s.ttsMu.Lock()
		s.ttsConn = nil
		s.ttsMu.Unlock()
		conn.Close()
	}()

	if err := wire.WriteHello(conn, fmt.Sprintf("%d", s.CallID)); err != nil {
		return fmt.Errorf("outboundproc: sending hello: %w", err)
	}

	for {
		chunk, ok, err := wire.ReadTTSChunk(conn)
		if err != nil {
			return fmt.Errorf("outboundproc: reading tts chunk: %w", err)
		}
		if !ok {
			return nil // BYE
		}

		if !s.dedup.Accept(chunk.ChunkID) {
			s.logger.Debug("dropping duplicate tts chunk", "chunk_id", chunk.ChunkID)
			continue
		}

		converted := Convert(chunk.Payload, chunk.SampleRate, chunk.IsFloatPCM())
		if trimmed := s.fifo.Append(converted); trimmed > 0 {
			s.logger.Info("outbound fifo trimmed oldest bytes to stay within cap", "trimmed_bytes", trimmed)
		}
	}
}

// TTSConnected reports whether a TTS connection is currently attached.
func (s *Session) TTSConnected() bool { return s.ttsConnected.Load() }

// FIFODepth exposes the current buffered byte count, for metrics.
func (s *Session) FIFODepth() int { return s.fifo.Len() }
