package inboundproc

import (
	"io"
	"log/slog"
	"math"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowpbx/voicebridge/internal/codec"
	"github.com/flowpbx/voicebridge/internal/shmring"
	"github.com/flowpbx/voicebridge/internal/wire"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProducerRing(t *testing.T) *shmring.Ring {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ap_in_1")
	r, err := shmring.Create(path, 1, 256, 64)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func readAllFloatPCMFrames(t *testing.T, conn net.Conn, n int) [][]float32 {
	t.Helper()
	var out [][]float32
	for i := 0; i < n; i++ {
		samples, ok, err := wire.ReadFloatPCM(conn, 2_000_000)
		require.NoError(t, err)
		require.True(t, ok)
		out = append(out, samples)
	}
	return out
}

func tone8k(n int, amplitude float32) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = amplitude * float32(math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	return codec.EncodeUlawFloat(samples)
}

func TestActivateSendsHello(t *testing.T) {
	ring := newProducerRing(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	s := NewSession("42", ring, testLogger())
	require.NoError(t, s.Activate(ln.Addr().String()))
	defer s.Deactivate(200 * time.Millisecond)

	serverConn := <-accepted
	defer serverConn.Close()

	callID, err := wire.ReadHello(serverConn, 4096)
	require.NoError(t, err)
	require.Equal(t, "42", callID)
}

func TestForwardEmitsChunkOnSustainedSpeech(t *testing.T) {
	ring := newProducerRing(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	s := NewSession("7", ring, testLogger())
	require.NoError(t, s.Activate(ln.Addr().String()))
	defer s.Deactivate(200 * time.Millisecond)

	serverConn := <-accepted
	defer serverConn.Close()
	_, err = wire.ReadHello(serverConn, 4096)
	require.NoError(t, err)

	// 1.2s of a loud tone: enough to cross the start threshold, sustain
	// past the 800ms minimum, and eventually hang over into one chunk.
	frame := tone8k(160, 0.6)
	for i := 0; i < 60; i++ {
		require.NoError(t, ring.WriteFrame(frame))
	}
	// 1s of silence to trigger the hangover cut.
	silence := make([]byte, 160)
	for i := range silence {
		silence[i] = 0xFF
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, ring.WriteFrame(silence))
	}

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	chunks := readAllFloatPCMFrames(t, serverConn, 1)
	require.NotEmpty(t, chunks[0])
}
