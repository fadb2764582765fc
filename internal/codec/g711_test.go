package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUlawRoundTripSNR(t *testing.T) {
	const sampleRate = 8000
	const freq = 1000.0
	const n = 800

	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(12000 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}

	encoded := EncodeUlawBuffer(pcm)
	decoded := DecodeUlawBuffer(encoded)

	var signalEnergy, noiseEnergy float64
	for i := range pcm {
		s := float64(pcm[i])
		d := float64(decoded[i])
		signalEnergy += s * s
		noiseEnergy += (s - d) * (s - d)
	}
	require.Greater(t, noiseEnergy, 0.0, "quantization must introduce measurable error")

	snr := 10 * math.Log10(signalEnergy/noiseEnergy)
	require.Greater(t, snr, 30.0, "ulaw round trip SNR floor for a 1kHz tone at 8kHz")
}

func TestUlawDecodeReencodeIsStable(t *testing.T) {
	// every byte value, decoded, re-encoded and decoded again, must land
	// within a small delta of its first decoding.
	for i := 0; i < 256; i++ {
		d := DecodeUlaw(uint8(i))
		e := EncodeUlaw(d)
		d2 := DecodeUlaw(e)
		require.InDelta(t, d, d2, 40, "re-encoding a decoded sample should not drift far")
	}
}

func TestAlawRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 100, -100, 12345, -12345, 32767, -32768}
	for _, s := range samples {
		enc := EncodeAlaw(s)
		dec := DecodeAlaw(enc)
		require.InDelta(t, s, dec, 1200, "alaw quantization error bound for mid/large samples")
	}
}

func TestSilenceBytesDecodeToNearZero(t *testing.T) {
	require.InDelta(t, 0, DecodeUlaw(SilenceUlaw), 10)
	require.InDelta(t, 0, DecodeAlaw(SilenceAlaw), 10)
}

func TestEncodeUlawFloatClamps(t *testing.T) {
	big := []float32{2.0, -2.0, 0.0}
	out := EncodeUlawFloat(big)
	require.Len(t, out, 3)
	require.Equal(t, EncodeUlaw(32767), out[0])
	require.Equal(t, EncodeUlaw(-32768), out[1])
}
