package outboundproc

import (
	"encoding/binary"
	"math"

	"github.com/flowpbx/voicebridge/internal/codec"
)

// Convert turns one accepted TTS chunk payload into 8kHz µ-law bytes.
// If the payload length is a multiple of 4 it is treated as float32 LE
// PCM at sampleRate: low-pass filtered (only if sampleRate > 8000) then
// linearly resampled to 8kHz and encoded. Otherwise the payload is
// assumed to already be encoded µ-law and passed through unchanged.
func Convert(payload []byte, sampleRate uint32, isFloatPCM bool) []byte {
	if !isFloatPCM {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out
	}

	samples := bytesToFloat32LE(payload)
	if sampleRate > 8000 {
		samples = codec.LowPass(samples)
	}
	resampled := codec.DownsampleLinear(samples, int(sampleRate), 8000)
	return codec.EncodeUlawFloat(resampled)
}

func bytesToFloat32LE(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out
}
