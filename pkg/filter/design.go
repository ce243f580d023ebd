package filter

import (
	"fmt"
	"math"
	"math/cmplx"
)

// NewBandpass designs a digital Butterworth band-pass of the given prototype order
// (the resulting filter has order 2*order) using the bilinear transform.
// The coefficients are identical to scipy.signal.butter(order, [low, high], btype='band', fs=fs).
func NewBandpass(order int, low, high, fs float64) (*IIR, error) {
	if order < 1 || low <= 0 || high <= low || high >= fs/2 {
		return nil, fmt.Errorf("%w: order %d band [%v, %v] Hz at %v Hz", ErrInvalidParam, order, low, high, fs)
	}

	// work with frequencies normalized to nyquist and a bilinear sampling rate of 2
	const bfs = 2.0
	warp := func(f float64) float64 {
		return 2 * bfs * math.Tan(math.Pi*(f/(fs/2))/bfs)
	}
	wl, wh := warp(low), warp(high)
	bw := wh - wl
	wo := math.Sqrt(wl * wh)

	// analog low-pass prototype poles
	proto := make([]complex128, order)
	for i := range proto {
		m := float64(-order + 1 + 2*i)
		proto[i] = -cmplx.Exp(complex(0, math.Pi*m/float64(2*order)))
	}

	// low-pass to band-pass: every prototype pole splits into two
	poles := make([]complex128, 0, 2*order)
	for _, p := range proto {
		pl := p * complex(bw/2, 0)
		poles = append(poles, pl+cmplx.Sqrt(pl*pl-complex(wo*wo, 0)))
	}
	for _, p := range proto {
		pl := p * complex(bw/2, 0)
		poles = append(poles, pl-cmplx.Sqrt(pl*pl-complex(wo*wo, 0)))
	}
	k := math.Pow(bw, float64(order))

	// bilinear transform; analog zeros at the origin map to +1, the ones at infinity to -1
	fs2 := complex(2*bfs, 0)
	zeros := make([]complex128, 0, 2*order)
	for i := 0; i < order; i++ {
		zeros = append(zeros, 1)
	}
	for i := 0; i < order; i++ {
		zeros = append(zeros, -1)
	}

	num := complex(1, 0)
	for i := 0; i < order; i++ {
		num *= fs2
	}
	den := complex(1, 0)
	zpoles := make([]complex128, len(poles))
	for i, p := range poles {
		den *= fs2 - p
		zpoles[i] = (fs2 + p) / (fs2 - p)
	}
	k *= real(num / den)

	b := poly(zeros)
	for i := range b {
		b[i] *= k
	}
	return NewIIR(b, poly(zpoles))
}

// NewNotch designs a second order IIR notch at f0 Hz with quality factor q,
// identical to scipy.signal.iirnotch(f0, q, fs).
func NewNotch(f0, q, fs float64) (*IIR, error) {
	if f0 <= 0 || f0 >= fs/2 || q <= 0 {
		return nil, fmt.Errorf("%w: notch %v Hz Q %v at %v Hz", ErrInvalidParam, f0, q, fs)
	}

	w0 := 2 * f0 / fs
	bw := w0 / q * math.Pi
	w0 *= math.Pi

	beta := math.Tan(bw / 2)
	gain := 1 / (1 + beta)

	b := []float64{gain, -2 * gain * math.Cos(w0), gain}
	a := []float64{1, -2 * gain * math.Cos(w0), 2*gain - 1}
	return NewIIR(b, a)
}

// poly returns the real coefficients of the monic polynomial with the given roots,
// highest power first.
func poly(roots []complex128) []float64 {
	c := make([]complex128, len(roots)+1)
	c[0] = 1
	for i, r := range roots {
		for j := i + 1; j > 0; j-- {
			c[j] -= r * c[j-1]
		}
	}

	out := make([]float64, len(c))
	for i := range c {
		out[i] = real(c[i])
	}
	return out
}

// Response returns the magnitude of the frequency response of f at freq Hz.
func Response(f *IIR, freq, fs float64) float64 {
	w := 2 * math.Pi * freq / fs
	var num, den complex128
	for i := range f.b {
		e := cmplx.Exp(complex(0, -w*float64(i)))
		num += complex(f.b[i], 0) * e
		den += complex(f.a[i], 0) * e
	}
	return cmplx.Abs(num / den)
}
