package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHelloRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHello(&buf, "42"))
	got, err := ReadHello(&buf, 4096)
	require.NoError(t, err)
	require.Equal(t, "42", got)
}

func TestHelloZeroLengthIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	_, err := ReadHello(&buf, 4096)
	require.ErrorIs(t, err, ErrIllegalLength)
}

func TestHelloOversizedIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0x10, 0x01}) // 4097
	_, err := ReadHello(&buf, 4096)
	require.ErrorIs(t, err, ErrOversized)
}

func TestTextRoundTripAndBye(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, "hello world"))
	require.NoError(t, WriteBye(&buf))

	s, ok, err := ReadText(&buf, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello world", s)

	_, ok, err = ReadText(&buf, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFloatPCMRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	samples := []float32{0.1, -0.2, 0.3, 1.0, -1.0}
	require.NoError(t, WriteFloatPCM(&buf, samples))

	got, ok, err := ReadFloatPCM(&buf, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, samples, got)
}

func TestFloatPCMOversized(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFloatPCM(&buf, make([]float32, 10)))
	_, _, err := ReadFloatPCM(&buf, 8)
	require.ErrorIs(t, err, ErrOversized)
}

func TestTTSChunkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	chunk := TTSChunk{SampleRate: 22050, ChunkID: 7, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	require.NoError(t, WriteTTSChunk(&buf, chunk))

	got, ok, err := ReadTTSChunk(&buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chunk, got)
	require.True(t, got.IsFloatPCM())
}

func TestTTSChunkBye(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	_, ok, err := ReadTTSChunk(&buf)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTTSChunkOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFE}) // just under 0xFFFFFFFF but huge
	_, _, err := ReadTTSChunk(&buf)
	require.ErrorIs(t, err, ErrOversized)
}

func TestTTSChunkMulawPassthroughNotFloat(t *testing.T) {
	chunk := TTSChunk{Payload: []byte{1, 2, 3}}
	require.False(t, chunk.IsFloatPCM())
}
