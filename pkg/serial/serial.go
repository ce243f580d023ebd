// Package serial is the line oriented link to the acquisition microcontroller.
package serial

import (
	"bufio"
	"errors"
	"io"
	"sync"

	goserial "github.com/tarm/goserial"
	"github.com/womat/debug"
)

var ErrClosed = errors.New("serial port closed")

// DefaultBaud is the baud rate of the acquisition firmware.
const DefaultBaud = 115200

// Port reads terminated lines from, and writes commands to, a serial device.
// ReadLine and Write may be called from different goroutines.
type Port struct {
	name string

	rwc io.ReadWriteCloser
	r   *bufio.Reader
	// line is reused by every ReadLine call.
	line []byte
	// skip is set after a line was cut at the budget; its rest is discarded.
	skip bool

	wl     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// Open opens the named serial device, e.g. /dev/ttyACM0 or COM3.
func Open(name string, baud int) (*Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}

	rwc, err := goserial.OpenPort(&goserial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, err
	}

	debug.InfoLog.Printf("serial port %s opened with %d baud", name, baud)
	p := New(rwc)
	p.name = name
	return p, nil
}

// New wraps an already opened stream.
func New(rwc io.ReadWriteCloser) *Port {
	return &Port{
		rwc:    rwc,
		r:      bufio.NewReader(rwc),
		closed: make(chan struct{}),
	}
}

// ReadLine reads up to and including the next '\n', but never more than budget bytes.
// A line cut at the budget is returned as is, it lacks the terminator.
// The rest of that line is discarded by the next call.
// The returned slice is only valid until the next call.
func (p *Port) ReadLine(budget int) ([]byte, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}

	for p.skip {
		c, err := p.r.ReadByte()
		if err != nil {
			return nil, err
		}
		p.skip = c != '\n'
	}

	p.line = p.line[:0]
	for len(p.line) < budget {
		c, err := p.r.ReadByte()
		if err != nil {
			if len(p.line) > 0 && err == io.EOF {
				return p.line, nil
			}
			return nil, err
		}

		p.line = append(p.line, c)
		if c == '\n' {
			return p.line, nil
		}
	}
	p.skip = len(p.line) > 0
	return p.line, nil
}

// Write sends b to the device.
func (p *Port) Write(b []byte) (int, error) {
	p.wl.Lock()
	defer p.wl.Unlock()

	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	return p.rwc.Write(b)
}

// Name returns the device name, empty for wrapped streams.
func (p *Port) Name() string {
	return p.name
}

// Close closes the device; a blocked ReadLine returns with an error.
func (p *Port) Close() (err error) {
	p.once.Do(func() {
		close(p.closed)
		err = p.rwc.Close()
		debug.InfoLog.Printf("serial port %s closed", p.name)
	})
	return
}
