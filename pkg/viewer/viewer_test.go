package viewer_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"physiokit/pkg/frame"
	"physiokit/pkg/viewer"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

var channels = frame.ChannelConfig{
	{Name: "EDA", Type: frame.EDA, Color: "#ff0000"},
	{Name: "PPG1", Type: frame.PPG, Color: "#00ff00"},
}

func dial(t *testing.T, h *viewer.Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	typ, b, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)

	var m map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(b, &m))
	return m
}

func TestStream(t *testing.T) {
	h := viewer.New(channels, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dial(t, h)

	m := read(t, conn)
	assert.Equal(t, viewer.Hello, m["type"])
	data := m["data"].(map[string]interface{})
	assert.EqualValues(t, 100, data["samplingrate"])
	assert.Len(t, data["channels"], 2)

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, time.Millisecond)

	// 100 Hz at 25 messages per second are batches of 4 frames
	f := make(frame.FilteredFrame, 2)
	for i := 0; i < 4; i++ {
		f[0], f[1] = float64(i), -float64(i)
		h.PushFiltered(f)
	}

	var msg viewer.Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, msgpack.Unmarshal(b, &msg))
	assert.Equal(t, viewer.Frames, msg.Type)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, [][]float32{{0, 0}, {1, -1}, {2, -2}, {3, -3}}, msg.Frames)

	h.Publish(viewer.Status, "recording started")
	m = read(t, conn)
	assert.Equal(t, viewer.Status, m["type"])
	assert.Equal(t, "recording started", m["data"])
}

func TestClientRemovedOnClose(t *testing.T) {
	h := viewer.New(channels, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dial(t, h)
	read(t, conn)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, time.Millisecond)
}

func TestPushWithoutRunNeverBlocks(t *testing.T) {
	h := viewer.New(channels, 1)
	f := make(frame.FilteredFrame, 2)
	for i := 0; i < 1000; i++ {
		h.PushFiltered(f)
	}
	assert.Greater(t, h.Dropped(), uint64(0))
}
