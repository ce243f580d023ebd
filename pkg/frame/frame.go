// Package frame holds the definitions shared by the acquisition pipeline:
// channel configuration, decoded and filtered frames and the sinks they are handed to.
package frame

import (
	"fmt"
	"sync"
	"time"
)

// ChannelType indicates the kind of physiological signal on a channel.
type ChannelType string

const (
	// Untyped channels are recorded and plotted but never filtered by signal type.
	Untyped ChannelType = ""
	// EDA is electrodermal activity.
	EDA ChannelType = "eda"
	// Resp is respiration.
	Resp ChannelType = "resp"
	// PPG is photoplethysmography, the only type scored for signal quality.
	PPG ChannelType = "ppg"
)

// Channel describes one configured input channel.
type Channel struct {
	Name  string      `yaml:"name" json:"name" msgpack:"name"`
	Type  ChannelType `yaml:"type" json:"type" msgpack:"type"`
	Color string      `yaml:"color" json:"color" msgpack:"color"`
}

// ChannelConfig is the ordered list of channels of a loaded experiment.
// It is fixed for the lifetime of the pipeline.
type ChannelConfig []Channel

// Names returns the channel names in configuration order.
func (c ChannelConfig) Names() []string {
	n := make([]string, len(c))
	for i, ch := range c {
		n[i] = ch.Name
	}
	return n
}

// Indices returns the positions of all channels of type t.
func (c ChannelConfig) Indices(t ChannelType) []int {
	var idx []int
	for i, ch := range c {
		if ch.Type == t {
			idx = append(idx, i)
		}
	}
	return idx
}

// Index returns the position of the channel with the given name.
func (c ChannelConfig) Index(name string) (int, bool) {
	for i, ch := range c {
		if ch.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Validate checks names are unique and types are known.
func (c ChannelConfig) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("no channels configured")
	}

	seen := map[string]bool{}
	for i, ch := range c {
		if ch.Name == "" {
			return fmt.Errorf("channel %d has no name", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		seen[ch.Name] = true

		switch ch.Type {
		case Untyped, EDA, Resp, PPG:
		default:
			return fmt.Errorf("channel %q: unknown type %q", ch.Name, ch.Type)
		}
	}
	return nil
}

// RawFrame is one decoded sample set, one integer per configured channel.
type RawFrame []int

// FilteredFrame is the filtered counterpart of a RawFrame, same length and order.
type FilteredFrame []float64

// FilteredFrameSink receives every filtered frame.
// PushFiltered is called on the acquisition goroutine and must not block;
// the frame is reused after the call returns.
type FilteredFrameSink interface {
	PushFiltered(FilteredFrame)
}

// Notifier receives one-directional status publishes of the pipeline.
type Notifier interface {
	// Elapsed is called once per whole second of recording time.
	Elapsed(seconds int)
	// Status carries a user visible status message.
	Status(msg string)
}

// Marker is the operator-settable event code attached to recorded rows.
type Marker struct {
	mu   sync.RWMutex
	code string
	on   bool
	// since is the time marking was last switched on.
	since time.Time
}

// Set sets the event code and switches marking on or off.
func (m *Marker) Set(code string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if on && !m.on {
		m.since = time.Now()
	}
	m.code = code
	m.on = on
}

// Toggle switches marking and returns the new state.
func (m *Marker) Toggle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.on = !m.on
	if m.on {
		m.since = time.Now()
	}
	return m.on
}

// Current returns the code to attach to a row; empty while marking is off.
func (m *Marker) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.on {
		return ""
	}
	return m.code
}

// State returns the configured code, whether marking is on and since when.
func (m *Marker) State() (code string, on bool, since time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code, m.on, m.since
}
