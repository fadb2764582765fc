// Package inboundproc implements process B: the inbound audio processor
// that bridges a call's inbound µ-law ring into 16 kHz float PCM chunks
// framed and forwarded to the STT worker.
package inboundproc

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/voicebridge/internal/codec"
	"github.com/flowpbx/voicebridge/internal/shmring"
	"github.com/flowpbx/voicebridge/internal/vad"
	"github.com/flowpbx/voicebridge/internal/wire"
)

// pollInterval is how often the ring consumer retries ReadFrame when the
// ring is empty, mirroring the spec's "callers poll with short sleeps
// rather than block" suspension-point rule.
const pollInterval = 5 * time.Millisecond

// sttHelloMaxLen bounds the HELLO payload per the STT worker's own
// validation rule (length 0 or > 4096 is a protocol error), even though
// the inbound processor is the one sending HELLO here — kept symmetric
// with the contract the STT worker enforces on read.
const sttHelloMaxLen = 4096

// Session is the per-call state of the inbound processor: the consumer
// loop pulling frames off the ring, the decode/resample/VAD pipeline,
// and the TCP connection to the STT worker.
type Session struct {
	CallID string

	ring    *shmring.Ring
	chunker *vad.Chunker

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	stopped atomic.Bool
	done    chan struct{}

	logger *slog.Logger
}

// NewSession creates an inbound-processor session for callID, consuming
// frames from ring. The caller must have opened ring in the consumer
// role (shmring.Attach) before constructing the session.
func NewSession(callID string, ring *shmring.Ring, logger *slog.Logger) *Session {
	return &Session{
		CallID:  callID,
		ring:    ring,
		chunker: vad.New(),
		done:    make(chan struct{}),
		logger:  logger.With("subsystem", "inbound-processor", "call_id", callID),
	}
}

// Activate dials the STT worker at addr, sends HELLO, and starts the
// ring-consumer forwarding loop in a new goroutine. It returns once the
// connection is established and HELLO has been sent.
func (s *Session) Activate(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("inboundproc: dialing stt at %s: %w", addr, err)
	}
	if err := wire.WriteHello(conn, s.CallID); err != nil {
		conn.Close()
		return fmt.Errorf("inboundproc: sending hello: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.ring.SetConsumerConnected(true)
	go s.run()
	return nil
}

// run is the ring-consumer loop: pop a frame, decode, resample, feed the
// VAD chunker, and forward any emitted chunks to STT. STT write failure
// terminates the loop but leaves the ring open, per the spec's failure
// semantics (the SIP gateway then observes backpressure).
func (s *Session) run() {
	defer close(s.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for !s.stopped.Load() {
		frame, err := s.ring.ReadFrame()
		if err != nil {
			s.ring.TouchConsumer()
			<-ticker.C
			continue
		}
		s.ring.TouchConsumer()

		if err := s.forward(frame); err != nil {
			s.logger.Warn("stt forward failed, stopping loop", "error", err)
			return
		}
	}
}

// forward decodes one µ-law frame, resamples it to 16 kHz, feeds the VAD
// chunker, and writes any resulting chunks to the STT connection.
func (s *Session) forward(ulawFrame []byte) error {
	samples8k := codec.DecodeUlawFloat(ulawFrame)
	filtered := codec.LowPass(samples8k)
	samples16k := codec.UpsampleLinear(filtered)

	for _, chunk := range s.chunker.Process(samples16k) {
		if err := s.writeChunk(chunk.Samples); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeChunk(samples []float32) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return io.ErrClosedPipe
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFloatPCM(conn, samples)
}

// Deactivate drains any in-flight chunk with a bounded wait, then closes
// cleanly with BYE. Safe to call once.
func (s *Session) Deactivate(drainWait time.Duration) {
	s.stopped.Store(true)

	select {
	case <-s.done:
	case <-time.After(drainWait):
		s.logger.Warn("drain wait exceeded, closing anyway")
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = wire.WriteBye(conn)
		s.writeMu.Unlock()
		conn.Close()
	}
	s.ring.SetConsumerConnected(false)
}
