package filter

import (
	"fmt"

	"physiokit/pkg/frame"
)

// notchQ is the quality factor of the optional mains notch.
const notchQ = 30

// Options holds the filter parameters of the bank.
type Options struct {
	RespLow  float64 `yaml:"resp_low"`
	RespHigh float64 `yaml:"resp_high"`
	PPGLow   float64 `yaml:"ppg_low"`
	PPGHigh  float64 `yaml:"ppg_high"`
	// Order is the butterworth prototype order of the band-pass filters.
	Order int `yaml:"order"`
	// Notch is the mains frequency removed from resp and ppg channels, 0 disables it.
	Notch float64 `yaml:"notch"`
}

// DefaultOptions returns the pass bands used for respiration and ppg.
func DefaultOptions() Options {
	return Options{
		RespLow:  0.1,
		RespHigh: 0.5,
		PPGLow:   0.5,
		PPGHigh:  3.5,
		Order:    2,
	}
}

// Bank holds one filter per channel.
// It is not safe for concurrent use; the acquisition worker is its only user.
type Bank struct {
	filters []Filter
}

// NewBank builds the filters of all channels from their declared type.
func NewBank(channels frame.ChannelConfig, samplingRate float64, o Options) (*Bank, error) {
	b := &Bank{filters: make([]Filter, len(channels))}

	for i, ch := range channels {
		var f Filter
		var err error

		switch ch.Type {
		case frame.EDA:
			f, err = NewMovingAverage(int(samplingRate / 4))
		case frame.Resp:
			f, err = bandpass(o.Order, o.RespLow, o.RespHigh, samplingRate, o.Notch)
		case frame.PPG:
			f, err = bandpass(o.Order, o.PPGLow, o.PPGHigh, samplingRate, o.Notch)
		default:
			f = Passthrough{}
		}

		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		b.filters[i] = f
	}

	return b, nil
}

func bandpass(order int, low, high, fs, notch float64) (Filter, error) {
	bp, err := NewBandpass(order, low, high, fs)
	if err != nil {
		return nil, err
	}
	if notch == 0 {
		return bp, nil
	}

	n, err := NewNotch(notch, notchQ, fs)
	if err != nil {
		return nil, err
	}
	return Chain{bp, n}, nil
}

// Apply filters every channel of raw into dst; dst must have the same length.
func (b *Bank) Apply(raw frame.RawFrame, dst frame.FilteredFrame) {
	for i, f := range b.filters {
		dst[i] = f.Filter(float64(raw[i]))
	}
}

// Reset clears the state of all filters, keeping their coefficients.
func (b *Bank) Reset() {
	for _, f := range b.filters {
		f.Reset()
	}
}

// Channel returns the filter of channel i.
func (b *Bank) Channel(i int) Filter {
	return b.filters[i]
}

// Len returns the number of channels.
func (b *Bank) Len() int {
	return len(b.filters)
}
