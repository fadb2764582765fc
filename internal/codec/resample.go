package codec

// LowPassTaps is the fixed 7-tap symmetric low-pass FIR applied before
// any rate conversion in either direction. The coefficients are the ones
// the pipeline has always used; this is intentionally not a general
// filter-design routine.
var LowPassTaps = [7]float32{0.02, 0.12, 0.22, 0.28, 0.22, 0.12, 0.02}

// LowPass applies the fixed 7-tap symmetric FIR to in, returning a buffer
// of the same length. Samples before index 0 and past the end are treated
// as zero (standard FIR boundary handling for a streaming filter operating
// on independent chunks).
func LowPass(in []float32) []float32 {
	out := make([]float32, len(in))
	const half = 3
	for i := range in {
		var acc float32
		for k, coeff := range LowPassTaps {
			j := i + k - half
			if j < 0 || j >= len(in) {
				continue
			}
			acc += coeff * in[j]
		}
		out[i] = acc
	}
	return out
}

// UpsampleLinear doubles the sample rate (8 kHz -> 16 kHz) by linear
// interpolation between adjacent source samples. This is the one
// resampling rule the spec fixes; no higher-order interpolation is used.
func UpsampleLinear(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	out := make([]float32, len(in)*2)
	for i := 0; i < len(in); i++ {
		out[2*i] = in[i]
		if i+1 < len(in) {
			out[2*i+1] = (in[i] + in[i+1]) / 2
		} else {
			out[2*i+1] = in[i]
		}
	}
	return out
}

// DownsampleLinear halves the sample rate (16 kHz -> 8 kHz, or any
// sample_rate -> 8 kHz after the caller has applied LowPass) by taking
// every other sample after linear-interpolating onto the target grid.
// For a clean integer ratio this reduces to picking every Nth input
// sample; for arbitrary source rates it interpolates between the two
// bracketing input samples.
func DownsampleLinear(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || len(in) == 0 {
		return nil
	}
	if srcRate == dstRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(in)) / ratio)
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := float32(srcPos - float64(idx))
		if idx+1 < len(in) {
			out[i] = in[idx] + frac*(in[idx+1]-in[idx])
		} else {
			out[i] = in[idx]
		}
	}
	return out
}
