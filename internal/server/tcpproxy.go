package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/tunnl-io/tunnl/internal/metrics"
)

// tcpProxy is the public TCP listener: one listening socket per
// allocated port, bound on demand when the control plane registers a
// tcp:// entrypoint.
type tcpProxy struct {
	logger *log.Logger

	ingress chan payload

	mu        sync.Mutex
	listeners map[string]*tcpListener
}

type tcpListener struct {
	ln     net.Listener
	events chan *Conn
	done   chan struct{}
}

func newTCPProxy(logger *log.Logger) *tcpProxy {
	return &tcpProxy{
		logger:    logger,
		ingress:   make(chan payload, eventBuf),
		listeners: make(map[string]*tcpListener),
	}
}

// Ingress is the channel the control plane registers entrypoints on.
func (p *tcpProxy) Ingress() chan<- payload {
	return p.ingress
}

// runEvents consumes registration payloads until ctx is cancelled, then
// closes every remaining listener.
func (p *tcpProxy) runEvents(ctx context.Context) {
	for {
		select {
		case pl := <-p.ingress:
			switch pl.op {
			case payloadRegister:
				if err := p.bind(pl); err != nil {
					p.logger.Error("failed to bind tcp entrypoint", "entrypoint", pl.entrypoint, "error", err)
				}
			case payloadUnregister:
				p.unbind(pl.entrypoint)
			}
		case <-ctx.Done():
			p.closeAll()
			return
		}
	}
}

// bind opens the listening socket for a tcp:// entrypoint and starts its
// accept loop.
func (p *tcpProxy) bind(pl payload) error {
	port, err := TCPPort(pl.entrypoint)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	tl := &tcpListener{ln: ln, events: pl.events, done: make(chan struct{})}
	p.mu.Lock()
	p.listeners[pl.entrypoint] = tl
	p.mu.Unlock()

	p.logger.Info("tcp listener started", "entrypoint", pl.entrypoint)
	go p.acceptLoop(tl)
	return nil
}

// unbind stops the accept loop for an entrypoint. In-flight connections
// continue until their own teardown.
func (p *tcpProxy) unbind(entrypoint string) {
	p.mu.Lock()
	tl, ok := p.listeners[entrypoint]
	if ok {
		delete(p.listeners, entrypoint)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	close(tl.done)
	tl.ln.Close()
	p.logger.Info("tcp listener stopped", "entrypoint", entrypoint)
}

// acceptLoop accepts external connections for one port until the
// entrypoint is unregistered.
func (p *tcpProxy) acceptLoop(tl *tcpListener) {
	for {
		sock, err := tl.ln.Accept()
		if err != nil {
			select {
			case <-tl.done:
			default:
				p.logger.Error("tcp accept failed", "error", err)
			}
			return
		}

		conn := NewConn()
		metrics.ConnectionsTotal.WithLabelValues("tcp").Inc()
		p.logger.Debug("tcp connection accepted", "conn", conn.ID, "remote_addr", sock.RemoteAddr())

		select {
		case tl.events <- conn:
		case <-tl.done:
			sock.Close()
			return
		}

		go func() {
			defer sock.Close()
			conn.Forward(sock, sock)
		}()
	}
}

// closeAll tears down every listening socket.
func (p *tcpProxy) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for entrypoint, tl := range p.listeners {
		close(tl.done)
		tl.ln.Close()
		delete(p.listeners, entrypoint)
	}
}
