// Package extsync aligns the recording start of several stations.
// The server broadcasts a single go byte to every connected client when its own recording starts;
// a client starts recording when that byte arrives.
package extsync

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/womat/debug"
)

// Signal is the go byte.
const Signal byte = '1'

// DefaultRetry is the reconnect back-off of a client.
const DefaultRetry = 5 * time.Second

// writeTimeout bounds the send to one client, a stuck peer is pruned.
const writeTimeout = 2 * time.Second

var (
	ErrNotConnected = errors.New("not connected to sync server")
	ErrDisconnected = errors.New("sync server closed the connection")
	ErrWaitPending  = errors.New("already waiting for the sync signal")
	ErrClosed       = errors.New("sync service closed")
)

// Server is the station that triggers the recording start.
type Server struct {
	addr string
	ln   net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg   sync.WaitGroup
	once sync.Once
}

// NewServer generates a server for the listen address, e.g. ":9797".
func NewServer(addr string) *Server {
	return &Server{
		addr:  addr,
		conns: map[net.Conn]struct{}{},
	}
}

// Listen binds the listen address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.ln = ln
	debug.InfoLog.Printf("sync server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts clients until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			debug.ErrorLog.Printf("sync server accept: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if !s.add(conn) {
			return nil
		}
	}
}

// add registers conn and watches it. A conn accepted after Close is closed at once.
func (s *Server) add(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		_ = conn.Close()
		return false
	}
	s.conns[conn] = struct{}{}
	debug.InfoLog.Printf("sync client %s connected (%d clients)", conn.RemoteAddr(), len(s.conns))

	s.wg.Add(1)
	go s.watch(conn)
	return true
}

// watch drops the client as soon as it closes the connection.
func (s *Server) watch(conn net.Conn) {
	defer s.wg.Done()

	b := make([]byte, 64)
	for {
		if _, err := conn.Read(b); err != nil {
			s.drop(conn, err)
			return
		}
	}
}

func (s *Server) drop(conn net.Conn, reason error) {
	s.mu.Lock()
	_, ok := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()

	if ok {
		debug.InfoLog.Printf("sync client %s removed: %v", conn.RemoteAddr(), reason)
	}
	_ = conn.Close()
}

// Broadcast sends the go byte to every client and returns the number of clients reached.
// Clients failing the send are removed.
func (s *Server) Broadcast() int {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.Write([]byte{Signal}); err != nil {
			s.drop(c, err)
			continue
		}
		sent++
	}

	debug.InfoLog.Printf("sync signal sent to %d of %d clients", sent, len(conns))
	return sent
}

// Arm broadcasts the go byte; the server itself never waits.
func (s *Server) Arm(context.Context) error {
	s.Broadcast()
	return nil
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting and disconnects every client.
func (s *Server) Close() (err error) {
	s.once.Do(func() {
		if s.ln != nil {
			err = s.ln.Close()
		}

		s.mu.Lock()
		s.closed = true
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
	return
}
