package extsync

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAfterCloseClosesConn(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	require.NoError(t, s.Close())

	a, b := net.Pipe()
	defer b.Close()

	assert.False(t, s.add(a))
	assert.Zero(t, s.Clients())
	_, err := a.Write([]byte{Signal})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
