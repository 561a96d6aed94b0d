package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tunnl-io/tunnl/internal/metrics"
)

// httpProxy is the public HTTP listener. One HTTP server routes inbound
// requests by Host to the event channel registered for the matching
// entrypoint, then bridges the hijacked connection as raw bytes.
type httpProxy struct {
	bindAddr string
	logger   *log.Logger

	ingress chan payload

	mu     sync.Mutex
	vhosts map[string]chan *Conn

	ln  net.Listener
	srv *http.Server
}

func newHTTPProxy(bindAddr string, logger *log.Logger) *httpProxy {
	p := &httpProxy{
		bindAddr: bindAddr,
		logger:   logger,
		ingress:  make(chan payload, eventBuf),
		vhosts:   make(map[string]chan *Conn),
	}
	p.srv = &http.Server{
		Handler:     p,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return p
}

// Ingress is the channel the control plane registers entrypoints on.
func (p *httpProxy) Ingress() chan<- payload {
	return p.ingress
}

// Start binds the public address and begins serving.
func (p *httpProxy) Start() error {
	ln, err := net.Listen("tcp", p.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to bind http listener on %s: %w", p.bindAddr, err)
	}
	p.ln = ln
	p.logger.Info("http listener started", "addr", ln.Addr())
	go func() {
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("http listener error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound public address.
func (p *httpProxy) Addr() net.Addr {
	return p.ln.Addr()
}

// runEvents consumes registration payloads until ctx is cancelled.
func (p *httpProxy) runEvents(ctx context.Context) {
	for {
		select {
		case pl := <-p.ingress:
			p.mu.Lock()
			switch pl.op {
			case payloadRegister:
				p.vhosts[pl.entrypoint] = pl.events
			case payloadUnregister:
				delete(p.vhosts, pl.entrypoint)
			}
			p.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// lookup resolves an entrypoint key to its event channel.
func (p *httpProxy) lookup(key string) (chan *Conn, bool) {
	p.mu.Lock()
	events, ok := p.vhosts[key]
	p.mu.Unlock()
	return events, ok
}

// ServeHTTP routes one inbound request by Host. The request is bridged
// onto a Conn as raw bytes: its serialized form becomes the request byte
// sequence, and the client's response bytes are written back verbatim on
// the hijacked socket.
func (p *httpProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := "http://" + strings.ToLower(stripPort(r.Host))
	events, ok := p.lookup(key)
	if !ok {
		http.Error(w, "tunnel not found", http.StatusNotFound)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	netConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger.Error("hijack failed", "error", err)
		return
	}
	defer netConn.Close()

	conn := NewConn()
	metrics.ConnectionsTotal.WithLabelValues("http").Inc()
	p.logger.Debug("http connection accepted", "conn", conn.ID, "entrypoint", key)

	// Replay the parsed request as the connection's request bytes. The
	// body still reads from the hijacked socket, so request streaming is
	// preserved.
	pr, pw := io.Pipe()
	go func() {
		err := r.Write(pw)
		pw.CloseWithError(err)
	}()

	select {
	case events <- conn:
	case <-conn.Done():
		return
	}

	conn.Forward(pr, netConn)
}

// Shutdown stops accepting public requests.
func (p *httpProxy) Shutdown(ctx context.Context) error {
	return p.srv.Shutdown(ctx)
}

// stripPort removes a trailing :port from a Host header value.
func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
