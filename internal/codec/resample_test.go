package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsampleLinearDoublesLength(t *testing.T) {
	in := []float32{0, 1, 0, -1, 0}
	out := UpsampleLinear(in)
	require.Len(t, out, 10)
	require.Equal(t, in[0], out[0])
	require.Equal(t, in[1], out[2])
}

func TestDownsampleLinearIdentityRate(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := DownsampleLinear(in, 8000, 8000)
	require.Equal(t, in, out)
}

func Test8to16to8RoundTripApproximatesIdentity(t *testing.T) {
	const n = 400
	in := make([]float32, n)
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * 300 * float64(i) / 8000))
	}

	filtered := LowPass(in)
	up := UpsampleLinear(filtered)
	down := DownsampleLinear(up, 16000, 8000)

	require.Len(t, down, len(in))

	var errSum, sigSum float64
	// Skip the filter's settling edges when scoring.
	for i := 10; i < n-10; i++ {
		d := float64(in[i] - down[i])
		errSum += d * d
		sigSum += float64(in[i]) * float64(in[i])
	}
	require.Less(t, errSum/sigSum, 0.35, "8->16->8 round trip should stay close to the original tone")
}

func TestLowPassOutputSameLength(t *testing.T) {
	in := make([]float32, 160)
	out := LowPass(in)
	require.Len(t, out, len(in))
}
