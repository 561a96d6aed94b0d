package server

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/tunnl-io/tunnl/internal/metrics"
	"github.com/tunnl-io/tunnl/pkg/auth"
)

// eventBuf is the capacity of every internal channel. Senders suspend
// when a channel fills, so a slow client slows down its own listener
// instead of growing unbounded buffers.
const eventBuf = 128

// eofMark is the in-band close signal delivered to a connection when the
// client finishes a transfer sequence.
var eofMark = []byte("EOF")

// ErrConnClosed is returned when delivering to a torn-down connection.
var ErrConnClosed = errors.New("connection closed")

// connEvent is one message on a connection's event channel: either the
// installation of a request-byte sink, or response bytes for the
// external peer (data equal to eofMark closes the connection).
type connEvent struct {
	sink chan []byte
	data []byte
}

// Conn is one in-flight external connection. It is created by a public
// listener on accept and owned by the control plane once registered.
type Conn struct {
	ID string

	events chan connEvent
	done   chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	pumping bool
}

// NewConn creates a connection with a fresh id.
func NewConn() *Conn {
	return &Conn{
		ID:     auth.NewConnID(),
		events: make(chan connEvent, eventBuf),
		done:   make(chan struct{}),
	}
}

// deliver hands an event to the connection's forwarder. It fails once
// the connection is torn down so callers never block on a dead peer.
func (c *Conn) deliver(ev connEvent) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

// InstallSink directs all subsequent request bytes from the external
// peer into sink. Exactly one sink drives a connection: a duplicate
// install receives the terminal empty chunk immediately so its drain
// task can finish.
func (c *Conn) InstallSink(sink chan []byte) error {
	return c.deliver(connEvent{sink: sink})
}

// WriteData queues response bytes for the external peer.
func (c *Conn) WriteData(b []byte) error {
	return c.deliver(connEvent{data: b})
}

// WriteEOF signals the end of the response byte sequence.
func (c *Conn) WriteEOF() error {
	return c.WriteData(eofMark)
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Forward bridges the external socket with the control plane: request
// bytes read from src are pumped into the installed sink, and response
// bytes delivered by the client are written to dst. It returns when the
// client signals EOF, the peer fails, or the connection is closed.
func (c *Conn) Forward(src io.Reader, dst io.Writer) {
	defer c.Close()

	for {
		select {
		case ev := <-c.events:
			if ev.sink != nil {
				c.startPump(ev.sink, src)
				continue
			}
			if bytes.Equal(ev.data, eofMark) {
				return
			}
			if _, err := dst.Write(ev.data); err != nil {
				return
			}
			metrics.ResponseBytes.Add(float64(len(ev.data)))
		case <-c.done:
			return
		}
	}
}

// startPump starts the request pump on the first sink install. A later
// install gets the terminal empty chunk instead: the original sink keeps
// draining the peer.
func (c *Conn) startPump(sink chan []byte, src io.Reader) {
	c.mu.Lock()
	if c.pumping {
		c.mu.Unlock()
		go func() {
			select {
			case sink <- nil:
			case <-c.done:
			}
		}()
		return
	}
	c.pumping = true
	c.mu.Unlock()
	go c.pump(sink, src)
}

// pump reads request bytes into the sink. An empty chunk marks the end
// of the sequence (peer half-close or read failure).
func (c *Conn) pump(sink chan []byte, src io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			metrics.RequestBytes.Add(float64(n))
			select {
			case sink <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case sink <- nil:
			case <-c.done:
			}
			return
		}
	}
}

// ConnRegistry maps conn ids to in-flight connections. Insertions happen
// from Listen streams, lookups from Transfer streams.
type ConnRegistry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{conns: make(map[string]*Conn)}
}

// Insert registers a connection under its id.
func (r *ConnRegistry) Insert(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Get returns the connection for id. The caller receives a snapshot and
// must not hold any registry lock across channel operations.
func (r *ConnRegistry) Get(id string) (*Conn, bool) {
	r.mu.Lock()
	c, ok := r.conns[id]
	r.mu.Unlock()
	return c, ok
}

// Remove drops the connection for id.
func (r *ConnRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Count returns the number of registered connections.
func (r *ConnRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
