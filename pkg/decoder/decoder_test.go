package decoder_test

import (
	"errors"
	"strconv"
	"testing"

	"physiokit/pkg/decoder"
	"physiokit/pkg/frame"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWellFormed(t *testing.T) {
	d := decoder.New(4)

	f, err := d.Decode([]byte("120,340,512,498\r\n"))
	require.NoError(t, err)
	assert.Equal(t, frame.RawFrame{120, 340, 512, 498}, f)

	f, err = d.Decode([]byte("-1, +2,0,1023\r\n"))
	require.NoError(t, err)
	assert.Equal(t, frame.RawFrame{-1, 2, 0, 1023}, f)
}

func TestDecodeKeepsOrder(t *testing.T) {
	for n := 1; n <= 8; n++ {
		d := decoder.New(n)
		line := ""
		want := make(frame.RawFrame, n)
		for i := 0; i < n; i++ {
			if i > 0 {
				line += ","
			}
			want[i] = 1000 - i*7
			line += strconv.Itoa(want[i])
		}

		got, err := d.Decode([]byte(line + "\r\n"))
		require.NoError(t, err, line)
		assert.Equal(t, want, got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	d := decoder.New(4)

	tests := []struct {
		name   string
		line   string
		reason error
	}{
		{"missing terminator", "120,340,512,498", decoder.ErrMissingTerminator},
		{"partial read", "120,340,5", decoder.ErrMissingTerminator},
		{"only newline", "120,340,512,498\n", decoder.ErrMissingTerminator},
		{"too few fields", "120,340,512\r\n", decoder.ErrFieldCount},
		{"too many fields", "120,340,512,498,7\r\n", decoder.ErrFieldCount},
		{"empty line", "\r\n", decoder.ErrFieldCount},
		{"non numeric", "120,abc,512,498\r\n", decoder.ErrParse},
		{"empty field", "120,,512,498\r\n", decoder.ErrParse},
		{"float", "120,3.5,512,498\r\n", decoder.ErrParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := d.Decode([]byte(tt.line))
			require.Error(t, err)
			assert.Nil(t, f)
			assert.True(t, errors.Is(err, tt.reason), "got %v", err)

			var mf *decoder.MalformedFrame
			require.True(t, errors.As(err, &mf))
			assert.Equal(t, tt.line, mf.Line)
		})
	}
}

func TestDecodeIntoReusesBuffer(t *testing.T) {
	d := decoder.New(2)
	buf := make(frame.RawFrame, 2)

	require.NoError(t, d.DecodeInto(buf, []byte("1,2\r\n")))
	assert.Equal(t, frame.RawFrame{1, 2}, buf)
	require.NoError(t, d.DecodeInto(buf, []byte("3,4\r\n")))
	assert.Equal(t, frame.RawFrame{3, 4}, buf)
}

func TestBudgetFitsLargestLine(t *testing.T) {
	d := decoder.New(3)
	line := "-2147483648,-2147483648,-2147483648\r\n"
	assert.LessOrEqual(t, len(line), d.Budget())
}

func TestMonitorWarnsOnPersistentMismatch(t *testing.T) {
	d := decoder.New(4)
	m := decoder.NewMonitor(3)

	_, err := d.Decode([]byte("1,2,3\r\n"))
	require.Error(t, err)

	assert.False(t, m.Bad(err, 4))
	assert.False(t, m.Bad(err, 4))
	assert.True(t, m.Bad(err, 4), "third consecutive mismatch warns")
	assert.False(t, m.Bad(err, 4), "warn once per streak")
	assert.Equal(t, 4, m.Streak())

	m.Ok()
	assert.Equal(t, 0, m.Streak())
	assert.False(t, m.Bad(err, 4))
	assert.Equal(t, uint64(5), m.Malformed)
	assert.Equal(t, uint64(1), m.Good)
}

func TestMonitorIgnoresTransientCorruption(t *testing.T) {
	d := decoder.New(4)
	m := decoder.NewMonitor(2)

	_, err := d.Decode([]byte("1,x,3,4\r\n"))
	require.Error(t, err)

	for i := 0; i < 10; i++ {
		assert.False(t, m.Bad(err, 4))
	}
	assert.Equal(t, 0, m.Streak())
}
