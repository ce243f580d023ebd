// Package filter implements the causal online filters applied to every frame.
// A filter keeps its delay line between calls; Reset clears the delay line
// without touching the coefficients.
package filter

import (
	"errors"
	"fmt"
)

var ErrInvalidParam = errors.New("invalid filter parameters")

// Filter is a per-sample causal filter with internal state.
type Filter interface {
	// Filter consumes one sample and returns the filtered sample.
	Filter(x float64) float64
	// Reset clears the internal state.
	Reset()
}

// IIR is a direct form II transposed infinite impulse response filter.
// a[0] is normalized to 1.
type IIR struct {
	b, a []float64
	// z is the delay line, len(z) == order.
	z []float64
}

// NewIIR generates a filter from transfer function coefficients.
func NewIIR(b, a []float64) (*IIR, error) {
	if len(a) < 2 || len(b) != len(a) || a[0] == 0 {
		return nil, fmt.Errorf("%w: b=%v a=%v", ErrInvalidParam, b, a)
	}

	f := &IIR{
		b: make([]float64, len(b)),
		a: make([]float64, len(a)),
		z: make([]float64, len(a)-1),
	}
	for i := range a {
		f.b[i] = b[i] / a[0]
		f.a[i] = a[i] / a[0]
	}
	return f, nil
}

// Filter processes one sample in O(order) without allocating.
func (f *IIR) Filter(x float64) float64 {
	n := len(f.z)
	y := f.b[0]*x + f.z[0]
	for i := 0; i < n-1; i++ {
		f.z[i] = f.b[i+1]*x + f.z[i+1] - f.a[i+1]*y
	}
	f.z[n-1] = f.b[n]*x - f.a[n]*y
	return y
}

// Reset clears the delay line.
func (f *IIR) Reset() {
	for i := range f.z {
		f.z[i] = 0
	}
}

// Order returns the length of the delay line.
func (f *IIR) Order() int {
	return len(f.z)
}

// Coefficients returns copies of the normalized numerator and denominator.
func (f *IIR) Coefficients() (b, a []float64) {
	return append([]float64(nil), f.b...), append([]float64(nil), f.a...)
}

// MovingAverage is a causal boxcar filter.
// Until the window is filled it averages over the samples seen so far.
type MovingAverage struct {
	values []float64
	pos    int
	n      int
	sum    float64
}

// NewMovingAverage generates a moving average over size samples.
func NewMovingAverage(size int) (*MovingAverage, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: window size %d", ErrInvalidParam, size)
	}
	return &MovingAverage{values: make([]float64, size)}, nil
}

// Filter adds x to the window and returns the window mean.
func (m *MovingAverage) Filter(x float64) float64 {
	if m.n == len(m.values) {
		m.sum -= m.values[m.pos]
	} else {
		m.n++
	}

	m.values[m.pos] = x
	m.sum += x
	m.pos = (m.pos + 1) % len(m.values)
	return m.sum / float64(m.n)
}

// Reset empties the window.
func (m *MovingAverage) Reset() {
	for i := range m.values {
		m.values[i] = 0
	}
	m.pos, m.n, m.sum = 0, 0, 0
}

// Size returns the window size.
func (m *MovingAverage) Size() int {
	return len(m.values)
}

// Chain applies filters in sequence.
type Chain []Filter

func (c Chain) Filter(x float64) float64 {
	for _, f := range c {
		x = f.Filter(x)
	}
	return x
}

func (c Chain) Reset() {
	for _, f := range c {
		f.Reset()
	}
}

// Passthrough leaves samples unchanged; used for untyped channels.
type Passthrough struct{}

func (Passthrough) Filter(x float64) float64 { return x }
func (Passthrough) Reset()                   {}
