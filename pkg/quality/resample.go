package quality

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// Resample returns x resampled to m samples by zero padding or truncating its spectrum.
// x is treated as one period of a periodic signal.
func Resample(x []float64, m int) []float64 {
	n := len(x)
	if n == 0 || m <= 0 {
		return nil
	}
	if n == m {
		return append([]float64(nil), x...)
	}

	X := fft.FFTReal(x)
	Y := make([]complex128, m)

	k := n
	if m < k {
		k = m
	}
	nyq := k/2 + 1
	copy(Y[:nyq], X[:nyq])
	if tail := k - nyq; tail > 0 {
		copy(Y[m-tail:], X[n-tail:])
	}

	// split or fold the nyquist bin of an even spectrum
	if k%2 == 0 {
		if m < n {
			Y[k/2] += X[n-k/2]
		} else {
			Y[k/2] *= 0.5
			Y[m-k/2] = Y[k/2]
		}
	}

	y := fft.IFFT(Y)
	out := make([]float64, m)
	scale := float64(m) / float64(n)
	for i := range out {
		out[i] = real(y[i]) * scale
	}
	return out
}

// Normalize scales x in place to [0, 1]. A flat x becomes all zeros; x counts as
// flat when its range is within rounding noise of its magnitude.
func Normalize(x []float64) []float64 {
	if len(x) == 0 {
		return x
	}

	lo, hi := x[0], x[0]
	for _, v := range x[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	span := hi - lo
	flat := span <= 1e-9*math.Max(1, math.Max(math.Abs(lo), math.Abs(hi)))
	for i, v := range x {
		if flat {
			x[i] = 0
			continue
		}
		x[i] = (v - lo) / span
	}
	return x
}
