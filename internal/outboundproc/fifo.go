// Package outboundproc implements process C: it accepts bursty float PCM
// (or already-encoded µ-law) chunks from the TTS worker, converts them to
// 8 kHz µ-law, and feeds a strictly periodic 20ms scheduler that writes
// frames into the outbound shared-memory ring regardless of whether TTS
// currently has anything to say.
package outboundproc

import "sync"

// frameBytes is one 20ms G.711 frame.
const frameBytes = 160

// fifoCapFrames caps the buffer at ~12s of audio, per the spec's
// backpressure policy.
const fifoCapFrames = 600

const fifoCapBytes = fifoCapFrames * frameBytes

// FIFO is the per-call byte buffer sitting between the TTS conversion
// stage and the scheduler. It is safe for concurrent use: the TTS reader
// goroutine appends, the scheduler goroutine takes.
type FIFO struct {
	mu      sync.Mutex
	buf     []byte
	trimmed int // total bytes ever trimmed, exposed for logging/metrics
}

// NewFIFO creates an empty FIFO.
func NewFIFO() *FIFO {
	return &FIFO{}
}

// Append adds converted µ-law bytes to the buffer. If the result would
// exceed the cap, the oldest bytes are trimmed to fit — this preserves
// continuity for what remains at the cost of a perceptible jump, which
// is the documented tradeoff.
func (f *FIFO) Append(data []byte) (trimmedBytes int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf = append(f.buf, data...)
	if over := len(f.buf) - fifoCapBytes; over > 0 {
		f.buf = f.buf[over:]
		f.trimmed += over
		trimmedBytes = over
	}
	return trimmedBytes
}

// Len returns the number of buffered bytes.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// TrimmedTotal returns the cumulative number of bytes ever dropped due to
// the cap, for metrics/logging.
func (f *FIFO) TrimmedTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trimmed
}

// TakeFrame removes and returns the next frameBytes bytes if available.
// ok is false if fewer than frameBytes are buffered, in which case the
// buffer is left untouched and the caller should synthesize silence.
func (f *FIFO) TakeFrame() (frame []byte, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buf) < frameBytes {
		return nil, false
	}
	frame = make([]byte, frameBytes)
	copy(frame, f.buf[:frameBytes])
	f.buf = f.buf[frameBytes:]
	return frame, true
}
