package decoder

import (
	"errors"

	"github.com/womat/debug"
)

// DefaultMismatchLimit is the number of consecutive field count mismatches
// after which a channel count misconfiguration is assumed.
const DefaultMismatchLimit = 50

// Monitor tells isolated corrupt lines apart from a persistent channel count mismatch
// between the configuration and the microcontroller firmware.
type Monitor struct {
	limit int
	// consecutive counts field count mismatches since the last good frame.
	consecutive int
	// warned is set once the mismatch warning was issued for the current streak.
	warned bool

	Good      uint64
	Malformed uint64
}

// NewMonitor generates a monitor which warns after limit consecutive mismatches.
func NewMonitor(limit int) *Monitor {
	if limit <= 0 {
		limit = DefaultMismatchLimit
	}
	return &Monitor{limit: limit}
}

// Ok records a successfully decoded frame and ends a mismatch streak.
func (m *Monitor) Ok() {
	m.Good++
	m.consecutive = 0
	m.warned = false
}

// Bad records a decode error. It returns true exactly once per streak,
// when the streak reaches the limit and the caller should raise a visible warning.
func (m *Monitor) Bad(err error, channels int) bool {
	m.Malformed++

	var mf *MalformedFrame
	if !errors.As(err, &mf) || !errors.Is(mf.Reason, ErrFieldCount) {
		debug.DebugLog.Printf("discarding line: %v", err)
		return false
	}

	m.consecutive++
	if m.consecutive < m.limit || m.warned {
		debug.DebugLog.Printf("discarding line: %v", err)
		return false
	}

	m.warned = true
	debug.ErrorLog.Printf("%d consecutive lines with %d fields, but %d channels are configured: check the channel count of the experiment against the microcontroller firmware",
		m.consecutive, mf.Fields, channels)
	return true
}

// Streak returns the current count of consecutive field count mismatches.
func (m *Monitor) Streak() int {
	return m.consecutive
}
