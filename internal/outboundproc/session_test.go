package outboundproc

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpbx/voicebridge/internal/shmring"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRing(t *testing.T) *shmring.Ring {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ap_out_1")
	r, err := shmring.Create(path, 1, 256, 64)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSessionEmitsSilenceWhenFIFOEmpty(t *testing.T) {
	ring := newTestRing(t)
	s := NewSession(1, ring, nil, testLogger())

	s.onTick(time.Time{})

	frame, err := ring.ReadFrame()
	require.NoError(t, err)
	require.Len(t, frame, frameBytes)
	for _, b := range frame {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestSessionEmitsTestToneBeforeFirstTTSConnection(t *testing.T) {
	ring := newTestRing(t)
	tone := []byte{1, 2, 3, 4}
	s := NewSession(1, ring, tone, testLogger())

	s.onTick(time.Time{})

	frame, err := ring.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, byte(1), frame[0])
	require.Equal(t, byte(2), frame[1])
}

func TestSessionRevertsToTrueSilenceAfterFirstConnection(t *testing.T) {
	ring := newTestRing(t)
	tone := []byte{1, 2, 3, 4}
	s := NewSession(1, ring, tone, testLogger())
	s.everConnected.Store(true)

	s.onTick(time.Time{})

	frame, err := ring.ReadFrame()
	require.NoError(t, err)
	for _, b := range frame {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestSessionPrefersFIFOFrameOverSilence(t *testing.T) {
	ring := newTestRing(t)
	s := NewSession(1, ring, nil, testLogger())
	s.fifo.Append(make([]byte, frameBytes))
	for i := range s.fifo.buf {
		s.fifo.buf[i] = 7
	}

	s.onTick(time.Time{})

	frame, err := ring.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, byte(7), frame[0])
}
