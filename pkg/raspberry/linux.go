//go:build linux

package raspberry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/warthog618/gpio"
	"github.com/warthog618/gpiod"
	"github.com/womat/debug"
)

// Chip represents a single GPIO chip that controls a set of lines.
type Chip struct {
	gpiodChip *gpiod.Chip
}

// Line represents a single requested line.
type Line struct {
	gpiodLine  *gpiod.Line
	lastValue  int
	debouncing int32
	// send edge changes to channel
	C chan Event
}

// Open opens a GPIO character device.
func Open(name string) (*Chip, error) {
	if name == "" {
		name = "gpiochip0"
	}
	c, err := gpiod.NewChip(name)
	if err != nil {
		return nil, err
	}
	return &Chip{gpiodChip: c}, nil
}

// NewLine requests control of a single line on a chip.
//   If granted, control is maintained until the Line is closed.
//   Watch the line for edge changes and send the changes after bounce timeout to chanel C.
//   Changes are dropped while nobody reads C.
func (c *Chip) NewLine(offset int, terminator string, debounce time.Duration) (*Line, error) {
	var err error

	line := &Line{
		lastValue: 1,
		C:         make(chan Event, 1)}
	if terminator == "pulldown" {
		line.lastValue = 0
	}

	// handler check the bounce timeout and send the event to channel C
	handler := func(evt gpiod.LineEvent) {
		if !atomic.CompareAndSwapInt32(&line.debouncing, 0, 1) {
			debug.TraceLog.Println("bounce signal detected")
			return
		}

		go func(t time.Duration) {
			defer atomic.StoreInt32(&line.debouncing, 0)

			time.Sleep(debounce)

			v, e := line.gpiodLine.Value()
			if e != nil {
				debug.ErrorLog.Println(e)
				return
			}

			if v == line.lastValue {
				debug.TraceLog.Println("no changed value after bounce delay")
				return
			}

			ev := Event{Timestamp: t + debounce, Type: RisingEdge}
			if v == 0 {
				ev.Type = FallingEdge
			}
			select {
			case line.C <- ev:
			default:
			}

			line.lastValue = v
		}(evt.Timestamp)
	}

	switch terminator {
	case "pullup":
		line.gpiodLine, err = c.gpiodChip.RequestLine(offset, gpiod.WithEventHandler(handler),
			gpiod.WithBothEdges, gpiod.AsInput, gpiod.WithPullUp)
	case "pulldown":
		line.gpiodLine, err = c.gpiodChip.RequestLine(offset, gpiod.WithEventHandler(handler),
			gpiod.WithBothEdges, gpiod.AsInput, gpiod.WithPullDown)
	case "none":
		line.gpiodLine, err = c.gpiodChip.RequestLine(offset, gpiod.WithEventHandler(handler),
			gpiod.WithBothEdges, gpiod.AsInput)
	default:
		return nil, ErrInvalidParam
	}
	if err != nil {
		return nil, err
	}

	return line, nil
}

// Close releases the Chip.
//
// It does not release any lines which may be requested - they must be closed
// independently.
func (c *Chip) Close() error {
	return c.gpiodChip.Close()
}

// Close releases all resources held by the requested line.
//
// Close must not be called from the event handler.
func (l *Line) Close() error {
	if err := l.gpiodLine.Close(); err != nil {
		return err
	}
	close(l.C)
	return nil
}

// Bar is a row of leds showing the biofeedback level.
type Bar struct {
	mu   sync.Mutex
	pins []*gpio.Pin
	lit  int
}

// OpenBar maps the gpio memory and configures the BCM numbered pins as outputs, all off.
func OpenBar(pins []int) (*Bar, error) {
	if len(pins) == 0 {
		return nil, ErrInvalidParam
	}
	if err := gpio.Open(); err != nil {
		return nil, err
	}

	b := &Bar{}
	for _, p := range pins {
		pin := gpio.NewPin(p)
		pin.Output()
		pin.Low()
		b.pins = append(b.pins, pin)
	}
	return b, nil
}

// Show lights the share v in [0,1] of the bar, starting at the first pin.
func (b *Bar) Show(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := lit(v, len(b.pins))
	if n == b.lit {
		return
	}
	for i, pin := range b.pins {
		if i < n {
			pin.High()
		} else {
			pin.Low()
		}
	}
	b.lit = n
}

// Close switches the leds off and unmaps the gpio memory.
func (b *Bar) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pin := range b.pins {
		pin.Low()
	}
	return gpio.Close()
}
