// Package raspberry connects the marker push-button and the biofeedback leds on the gpio header.
package raspberry

import (
	"fmt"
	"math"
	"time"

	"physiokit/pkg/frame"

	"github.com/womat/debug"
)

var ErrInvalidParam = fmt.Errorf("invalid parameters")

// EventType indicates the type of change to the line state.
type EventType int

const (
	_ EventType = iota
	// RisingEdge indicates a low to high change.
	RisingEdge
	// FallingEdge indicates a high to low change.
	FallingEdge
)

type Event struct {
	// Timestamp indicates the time the event was detected.
	Timestamp time.Duration
	// The type of state change event this structure represents.
	Type EventType
}

// PressEdge returns the edge of a button press for the line terminator.
// A button against ground on a pulled up line pulls it low.
func PressEdge(terminator string) (EventType, error) {
	switch terminator {
	case "pullup", "none":
		return FallingEdge, nil
	case "pulldown":
		return RisingEdge, nil
	}
	return 0, ErrInvalidParam
}

// MarkerButton toggles m on every press until events is closed.
// notify, if not nil, is called with the new marker state.
func MarkerButton(events <-chan Event, press EventType, m *frame.Marker, notify func(on bool)) {
	for evt := range events {
		if evt.Type != press {
			continue
		}

		on := m.Toggle()
		debug.InfoLog.Printf("marker button pressed, marking %v", on)
		if notify != nil {
			notify(on)
		}
	}
}

// lit returns the number of leds of a bar of n leds to switch on for v in [0,1].
func lit(v float64, n int) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return n
	}
	return int(math.Round(v * float64(n)))
}
