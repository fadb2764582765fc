package outboundproc

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/flowpbx/voicebridge/internal/codec"
	"github.com/stretchr/testify/require"
)

func floatsToLE(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(s))
	}
	return out
}

func TestConvertPassthroughForNonMultipleOf4(t *testing.T) {
	payload := []byte{1, 2, 3}
	out := Convert(payload, 8000, false)
	require.Equal(t, payload, out)
}

func TestConvertFloatPCMAt8kHzEncodesDirectly(t *testing.T) {
	samples := make([]float32, 160)
	for i := range samples {
		samples[i] = 0.1
	}
	payload := floatsToLE(samples)
	out := Convert(payload, 8000, true)
	require.Len(t, out, 160)
	require.Equal(t, codec.EncodeUlawFloat(samples), out)
}

func TestConvertFloatPCMAboveBandwidthDownsamples(t *testing.T) {
	samples := make([]float32, 320) // 16kHz, 20ms
	for i := range samples {
		samples[i] = 0.2
	}
	payload := floatsToLE(samples)
	out := Convert(payload, 16000, true)
	require.Len(t, out, 160)
}
