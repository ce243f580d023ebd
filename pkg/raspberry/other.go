//go:build !linux

package raspberry

import (
	"sync"
	"time"
)

// Chip emulates a gpio chip on systems without gpio character devices.
type Chip struct{}

// Line is an emulated line, edges are injected with EmuEdge.
type Line struct {
	C chan Event
}

// Open returns an emulated chip.
func Open(string) (*Chip, error) {
	return &Chip{}, nil
}

// NewLine returns an emulated line.
func (c *Chip) NewLine(_ int, terminator string, _ time.Duration) (*Line, error) {
	if _, err := PressEdge(terminator); err != nil {
		return nil, err
	}
	return &Line{C: make(chan Event, 1)}, nil
}

// Close releases the Chip.
func (c *Chip) Close() error {
	return nil
}

// EmuEdge emulates a state change of the line.
func (l *Line) EmuEdge(t EventType) {
	select {
	case l.C <- Event{Type: t}:
	default:
	}
}

// Close closes channel C.
func (l *Line) Close() error {
	close(l.C)
	return nil
}

// Bar emulates a row of leds.
type Bar struct {
	mu  sync.Mutex
	n   int
	lit int
}

// OpenBar returns an emulated bar with one led per pin.
func OpenBar(pins []int) (*Bar, error) {
	if len(pins) == 0 {
		return nil, ErrInvalidParam
	}
	return &Bar{n: len(pins)}, nil
}

// Show lights the share v in [0,1] of the bar.
func (b *Bar) Show(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lit = lit(v, b.n)
}

// Close switches the leds off.
func (b *Bar) Close() error {
	b.Show(0)
	return nil
}
