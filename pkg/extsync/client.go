package extsync

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/womat/debug"
)

// Client is a station that starts recording on the go byte of the server.
type Client struct {
	addr  string
	retry time.Duration

	mu     sync.Mutex
	conn   net.Conn
	waiter chan error

	attempts uint64
}

// NewClient generates a client for the server address; retry <= 0 means DefaultRetry.
func NewClient(addr string, retry time.Duration) *Client {
	if retry <= 0 {
		retry = DefaultRetry
	}
	return &Client{addr: addr, retry: retry}
}

// Run connects to the server and reconnects after every connection loss until ctx is done.
func (c *Client) Run(ctx context.Context) {
	d := net.Dialer{Timeout: c.retry}

	for ctx.Err() == nil {
		n := atomic.AddUint64(&c.attempts, 1)
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			debug.ErrorLog.Printf("sync server %s not available (attempt %d): %v, retry in %v", c.addr, n, err, c.retry)
			if !sleep(ctx, c.retry) {
				return
			}
			continue
		}

		debug.InfoLog.Printf("connected to sync server %s (attempt %d)", c.addr, n)
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.receive(ctx, conn)

		if !sleep(ctx, c.retry) {
			return
		}
	}
}

// receive reads the connection until it fails.
func (c *Client) receive(ctx context.Context, conn net.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	b := make([]byte, 1)
	for {
		n, err := conn.Read(b)
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close()

			debug.ErrorLog.Printf("connection to sync server %s lost: %v", c.addr, err)
			c.resolve(ErrDisconnected)
			return
		}

		if n == 1 && b[0] == Signal {
			if !c.resolve(nil) {
				debug.DebugLog.Print("sync signal received while not waiting, ignored")
			}
		}
	}
}

// resolve completes an outstanding wait and reports whether there was one.
func (c *Client) resolve(err error) bool {
	c.mu.Lock()
	w := c.waiter
	c.waiter = nil
	c.mu.Unlock()

	if w == nil {
		return false
	}
	w <- err
	return true
}

// WaitForSync blocks until the go byte arrives (nil), the connection is lost (ErrDisconnected)
// or ctx is done.
func (c *Client) WaitForSync(ctx context.Context) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.waiter != nil {
		c.mu.Unlock()
		return ErrWaitPending
	}
	w := make(chan error, 1)
	c.waiter = w
	c.mu.Unlock()

	debug.InfoLog.Print("waiting for the sync signal")
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiter == w {
			c.waiter = nil
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Arm waits for the go byte of the server.
func (c *Client) Arm(ctx context.Context) error {
	return c.WaitForSync(ctx)
}

// Connected reports whether the client is connected to the server.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Waiting reports whether a wait for the go byte is outstanding.
func (c *Client) Waiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiter != nil
}

// Attempts returns the number of connection attempts so far.
func (c *Client) Attempts() uint64 {
	return atomic.LoadUint64(&c.attempts)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
