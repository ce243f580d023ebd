// Package viewer streams filtered frames and status updates to websocket clients as msgpack messages.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"physiokit/pkg/frame"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/womat/debug"
)

// Message types.
const (
	Hello    = "hello"
	Frames   = "frames"
	Quality  = "quality"
	Feedback = "feedback"
	Status   = "status"
	Elapsed  = "elapsed"
)

const (
	// updateRate is the number of frame messages per second.
	updateRate  = 25
	clientQueue = 256
	writeWait   = 5 * time.Second
)

// Message is the msgpack encoded unit sent to clients.
type Message struct {
	Type string `msgpack:"type"`
	// Seq numbers the frame messages.
	Seq    uint64      `msgpack:"seq,omitempty"`
	Frames [][]float32 `msgpack:"frames,omitempty"`
	Data   interface{} `msgpack:"data,omitempty"`
}

// hello describes the stream to a new client.
type hello struct {
	SamplingRate float64         `msgpack:"samplingrate"`
	Channels     []frame.Channel `msgpack:"channels"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump writes queued messages until the queue is closed.
func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Hub is the visualization consumer of the acquisition worker.
type Hub struct {
	channels frame.ChannelConfig
	fs       float64
	batch    int

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool

	// pending collects frames on the acquisition goroutine
	pending [][]float32
	batches chan [][]float32
	seq     uint64
	dropped uint64
}

// New generates a hub for the channels.
func New(channels frame.ChannelConfig, samplingRate float64) *Hub {
	batch := int(samplingRate / updateRate)
	if batch < 1 {
		batch = 1
	}

	return &Hub{
		channels: channels,
		fs:       samplingRate,
		batch:    batch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[*client]bool{},
		batches: make(chan [][]float32, 64),
	}
}

// PushFiltered collects f and hands over a batch every 1/25 s of samples. It never blocks.
func (h *Hub) PushFiltered(f frame.FilteredFrame) {
	row := make([]float32, len(f))
	for i, v := range f {
		row[i] = float32(v)
	}
	h.pending = append(h.pending, row)
	if len(h.pending) < h.batch {
		return
	}

	select {
	case h.batches <- h.pending:
	default:
		atomic.AddUint64(&h.dropped, 1)
	}
	h.pending = make([][]float32, 0, h.batch)
}

// Publish sends a status update of the given type to every client.
func (h *Hub) Publish(typ string, data interface{}) {
	b, err := msgpack.Marshal(&Message{Type: typ, Data: data})
	if err != nil {
		debug.ErrorLog.Printf("viewer: can't encode %s: %v", typ, err)
		return
	}
	h.broadcast(b)
}

// Run encodes and broadcasts frame batches until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeClients()
			return
		case frames := <-h.batches:
			if h.Clients() == 0 {
				continue
			}
			msg := Message{Type: Frames, Seq: atomic.AddUint64(&h.seq, 1), Frames: frames}
			b, err := msgpack.Marshal(&msg)
			if err != nil {
				debug.ErrorLog.Printf("viewer: can't encode frames: %v", err)
				continue
			}
			h.broadcast(b)
		}
	}
}

func (h *Hub) broadcast(b []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			// slow client, it misses this message
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of frame batches dropped because the hub was busy.
func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// ServeHTTP upgrades the request to a websocket stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.ErrorLog.Printf("viewer: upgrade: %v", err)
		return
	}

	b, err := msgpack.Marshal(&Message{Type: Hello, Data: hello{SamplingRate: h.fs, Channels: h.channels}})
	if err != nil {
		_ = conn.Close()
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	c.send <- b

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	debug.InfoLog.Printf("viewer %s connected", conn.RemoteAddr())

	go c.writePump()

	defer func() {
		h.mu.Lock()
		if h.clients[c] {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		debug.InfoLog.Printf("viewer %s disconnected", conn.RemoteAddr())
	}()

	// clients don't send anything; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) closeClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ListenAndServe serves the websocket stream on addr at /ws until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()

	debug.InfoLog.Printf("viewer listening on %s/ws", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
