// Package decoder turns serial lines of comma separated integers into frames.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"physiokit/pkg/frame"
)

var (
	ErrMissingTerminator = errors.New("missing line terminator")
	ErrFieldCount        = errors.New("invalid field count")
	ErrParse             = errors.New("invalid channel value")
)

const (
	// Separator splits the channel values of a line.
	Separator = ','
	// Terminator ends every line sent by the microcontroller.
	Terminator = "\r\n"
)

// MalformedFrame is returned for every line that can't be turned into a RawFrame.
// The caller discards the line and continues with the next one.
type MalformedFrame struct {
	// Reason is one of ErrMissingTerminator, ErrFieldCount, ErrParse.
	Reason error
	// Fields is the number of fields found in the line.
	Fields int
	Line   string
}

func (e *MalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Line, e.Reason)
}

func (e *MalformedFrame) Unwrap() error {
	return e.Reason
}

// Decoder decodes lines for a fixed channel count.
type Decoder struct {
	channels int
}

// New generates a decoder for lines with n channel values.
func New(n int) *Decoder {
	return &Decoder{channels: n}
}

// Channels returns the configured channel count.
func (d *Decoder) Channels() int {
	return d.channels
}

// Budget is the maximum number of bytes a valid line can have:
// up to 11 characters per value (sign and 10 digits), the separators and the terminator.
func (d *Decoder) Budget() int {
	return d.channels*12 + len(Terminator)
}

// Decode converts one terminated line to a new RawFrame.
func (d *Decoder) Decode(line []byte) (frame.RawFrame, error) {
	f := make(frame.RawFrame, d.channels)
	if err := d.DecodeInto(f, line); err != nil {
		return nil, err
	}
	return f, nil
}

// DecodeInto converts one terminated line into dst, which must have room for all channels.
// dst is only valid if no error is returned.
func (d *Decoder) DecodeInto(dst frame.RawFrame, line []byte) error {
	if !bytes.HasSuffix(line, []byte(Terminator)) {
		return &MalformedFrame{Reason: ErrMissingTerminator, Fields: bytes.Count(line, []byte{Separator}) + 1, Line: string(line)}
	}

	body := line[:len(line)-len(Terminator)]
	if n := bytes.Count(body, []byte{Separator}) + 1; n != d.channels || len(dst) < d.channels {
		return &MalformedFrame{Reason: ErrFieldCount, Fields: n, Line: string(line)}
	}

	for i := 0; i < d.channels; i++ {
		field := body
		if j := bytes.IndexByte(body, Separator); j >= 0 {
			field, body = body[:j], body[j+1:]
		}

		v, err := parseInt(bytes.TrimSpace(field))
		if err != nil {
			return &MalformedFrame{Reason: ErrParse, Fields: d.channels, Line: string(line)}
		}
		dst[i] = v
	}

	return nil
}

// parseInt parses a decimal integer without allocating for the common case.
func parseInt(b []byte) (int, error) {
	if len(b) > 18 {
		// leave overflow handling to strconv
		return strconv.Atoi(string(b))
	}

	neg := false
	if len(b) > 0 {
		switch b[0] {
		case '-':
			neg = true
			b = b[1:]
		case '+':
			b = b[1:]
		}
	}
	if len(b) == 0 {
		return 0, ErrParse
	}

	v := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, ErrParse
		}
		v = v*10 + int(c-'0')
	}
	if neg {
		v = -v
	}
	return v, nil
}
