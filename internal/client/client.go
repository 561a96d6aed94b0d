// Package client contains the tunnl client: it logs in, requests an
// entrypoint, and forwards tunneled connections to a local service.
package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/tunnl-io/tunnl/pkg/protocol"
	"github.com/tunnl-io/tunnl/pkg/transport"
)

const (
	// InitialReconnectDelay is the first dial backoff step.
	InitialReconnectDelay = 1 * time.Second

	// MaxReconnectDelay caps the dial backoff.
	MaxReconnectDelay = 30 * time.Second

	localDialTimeout = 5 * time.Second
)

// ConnLog describes one tunneled connection, for display purposes.
type ConnLog struct {
	ConnID    string
	StartedAt time.Time
	Duration  time.Duration
	BytesOut  int64
	Err       error
}

// Config holds the client configuration.
type Config struct {
	ServerURL string
	Token     string
	Protocol  protocol.Protocol
	Subdomain string
	LocalHost string
	LocalPort int
}

// Client is the tunnl tunneling client.
type Client struct {
	config *Config
	logger *log.Logger

	mu        sync.RWMutex
	session   *transport.Session
	sessionID string
	username  string

	transferOnce sync.Once
	transferErr  error
	transfer     *protocol.Codec

	localMu sync.Mutex
	locals  map[string]net.Conn

	entrypoint  string
	connCount   atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Callbacks for UI updates.
	OnReady      func(entrypoint string)
	OnConnection func(ConnLog)
	OnDisconnect func(err error)
}

// New creates a client with the given configuration.
func New(config *Config, logger *log.Logger) (*Client, error) {
	if config.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if config.Token == "" {
		return nil, fmt.Errorf("authentication token is required")
	}
	if config.LocalHost == "" {
		config.LocalHost = "127.0.0.1"
	}
	if logger == nil {
		logger = log.New(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: config,
		logger: logger,
		locals: make(map[string]net.Conn),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Connect dials the control channel and logs in.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := controlURL(c.config.ServerURL)
	if err != nil {
		return err
	}
	c.logger.Info("connecting", "url", wsURL)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	var wsConn *websocket.Conn
	delay := InitialReconnectDelay
	for {
		var resp *http.Response
		wsConn, resp, err = dialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			break
		}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return fmt.Errorf("control channel rejected: %s", resp.Status)
		}

		c.logger.Warn("connection failed, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > MaxReconnectDelay {
			delay = MaxReconnectDelay
		}
	}

	session, err := transport.NewClientSession(wsConn)
	if err != nil {
		wsConn.Close()
		return fmt.Errorf("failed to create session: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.connectedAt = time.Now()
	c.mu.Unlock()

	if err := c.login(ctx); err != nil {
		session.Close()
		return err
	}
	return nil
}

// login exchanges the configured token for a session id.
func (c *Client) login(ctx context.Context) error {
	codec, err := c.openStream(protocol.MethodLogin, false)
	if err != nil {
		return err
	}
	defer codec.Close()

	if err := codec.Write(protocol.LoginBody{Token: c.config.Token}); err != nil {
		return err
	}
	var st protocol.CallStatus
	if err := codec.Read(&st); err != nil {
		return err
	}
	if err := st.Err(); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	var reply protocol.LoginReply
	if err := codec.Read(&reply); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = reply.SessionID
	c.username = reply.Username
	c.mu.Unlock()
	c.logger.Info("logged in", "username", reply.Username)
	return nil
}

// openStream opens one RPC stream and writes its call header.
func (c *Client) openStream(method string, withAuth bool) (*protocol.Codec, error) {
	c.mu.RLock()
	session := c.session
	sessionID := c.sessionID
	c.mu.RUnlock()
	if session == nil {
		return nil, fmt.Errorf("not connected")
	}

	stream, err := session.OpenStream()
	if err != nil {
		return nil, err
	}
	codec := protocol.NewCodec(stream)

	hdr := protocol.CallHeader{Method: method}
	if withAuth {
		hdr.Metadata = map[string]string{protocol.MetadataAuthorization: sessionID}
	}
	if err := codec.Write(hdr); err != nil {
		codec.Close()
		return nil, err
	}
	return codec, nil
}

// Run requests the entrypoint and forwards tunneled connections until
// the stream ends. Blocks.
func (c *Client) Run(ctx context.Context) error {
	codec, err := c.openStream(protocol.MethodListen, true)
	if err != nil {
		return err
	}
	defer codec.Close()

	lp := protocol.ListenParam{Protocol: c.config.Protocol, Subdomain: c.config.Subdomain}
	if err := codec.Write(lp); err != nil {
		return err
	}
	var st protocol.CallStatus
	if err := codec.Read(&st); err != nil {
		return err
	}
	if err := st.Err(); err != nil {
		return err
	}

	for {
		var n protocol.ListenNotification
		if err := codec.Read(&n); err != nil {
			c.wg.Wait()
			if c.OnDisconnect != nil {
				c.OnDisconnect(err)
			}
			select {
			case <-c.ctx.Done():
				return nil
			default:
				return fmt.Errorf("listen stream failed: %w", err)
			}
		}

		switch n.Action {
		case protocol.ActionReady:
			c.mu.Lock()
			c.entrypoint = n.Message
			c.mu.Unlock()
			c.logger.Info("tunnel established", "entrypoint", n.Message)
			if c.OnReady != nil {
				c.OnReady(n.Message)
			}
		case protocol.ActionComing:
			c.logger.Debug("incoming connection", "conn", n.Message)
			c.wg.Add(1)
			go c.handleConn(n.Message)
		default:
			c.logger.Warn("unknown notification", "action", n.Action)
		}
	}
}

// ensureTransfer lazily opens the shared Transfer stream and starts the
// reply router.
func (c *Client) ensureTransfer() (*protocol.Codec, error) {
	c.transferOnce.Do(func() {
		codec, err := c.openStream(protocol.MethodTransfer, true)
		if err != nil {
			c.transferErr = err
			return
		}
		var st protocol.CallStatus
		if err := codec.Read(&st); err != nil {
			codec.Close()
			c.transferErr = err
			return
		}
		if err := st.Err(); err != nil {
			codec.Close()
			c.transferErr = err
			return
		}
		c.transfer = codec
		go c.routeReplies(codec)
	})
	return c.transfer, c.transferErr
}

// routeReplies dispatches TransferReply frames to the matching local
// connection. An empty ReqData half-closes the local write side: the
// request byte sequence is complete.
func (c *Client) routeReplies(codec *protocol.Codec) {
	for {
		var reply protocol.TransferReply
		if err := codec.Read(&reply); err != nil {
			return
		}

		c.localMu.Lock()
		local := c.locals[reply.ConnID]
		c.localMu.Unlock()
		if local == nil {
			continue
		}

		if len(reply.ReqData) == 0 {
			if tcp, ok := local.(*net.TCPConn); ok {
				tcp.CloseWrite()
			}
			continue
		}
		if _, err := local.Write(reply.ReqData); err != nil {
			c.logger.Debug("local write failed", "conn", reply.ConnID, "error", err)
		}
		c.bytesIn.Add(int64(len(reply.ReqData)))
	}
}

// handleConn runs the client half of one connection's forwarding: READY
// handshake, then local bytes out as WORKING frames, DONE on local EOF.
func (c *Client) handleConn(connID string) {
	defer c.wg.Done()

	start := time.Now()
	entry := ConnLog{ConnID: connID, StartedAt: start}
	defer func() {
		entry.Duration = time.Since(start)
		if c.OnConnection != nil {
			c.OnConnection(entry)
		}
	}()

	transfer, err := c.ensureTransfer()
	if err != nil {
		c.logger.Error("transfer stream unavailable", "error", err)
		entry.Err = err
		return
	}

	addr := net.JoinHostPort(c.config.LocalHost, fmt.Sprintf("%d", c.config.LocalPort))
	local, err := net.DialTimeout("tcp", addr, localDialTimeout)
	if err != nil {
		c.logger.Error("failed to connect to local service", "addr", addr, "error", err)
		entry.Err = err
		// Complete the handshake so the server can close the external
		// side instead of leaving it hanging.
		transfer.Write(protocol.TransferBody{ConnID: connID, Status: protocol.TransferReady})
		transfer.Write(protocol.TransferBody{ConnID: connID, Status: protocol.TransferDone})
		return
	}
	defer local.Close()

	c.localMu.Lock()
	c.locals[connID] = local
	c.localMu.Unlock()
	defer func() {
		c.localMu.Lock()
		delete(c.locals, connID)
		c.localMu.Unlock()
	}()

	c.connCount.Add(1)

	if err := transfer.Write(protocol.TransferBody{ConnID: connID, Status: protocol.TransferReady}); err != nil {
		entry.Err = err
		return
	}

	// Local service bytes flow back as WORKING frames until EOF.
	var out atomic.Int64
	reader := NewCountingReader(local, &out)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			body := protocol.TransferBody{
				ConnID:   connID,
				Status:   protocol.TransferWorking,
				RespData: append([]byte(nil), buf[:n]...),
			}
			if werr := transfer.Write(body); werr != nil {
				entry.Err = werr
				return
			}
		}
		if err != nil {
			break
		}
	}
	c.bytesOut.Add(out.Load())
	entry.BytesOut = out.Load()

	if err := transfer.Write(protocol.TransferBody{ConnID: connID, Status: protocol.TransferDone}); err != nil {
		entry.Err = err
	}
	c.logger.Debug("connection finished", "conn", connID, "bytes_out", out.Load())
}

// Close closes the control channel.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

// Entrypoint returns the allocated public entrypoint key.
func (c *Client) Entrypoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entrypoint
}

// Stats returns tunnel statistics.
func (c *Client) Stats() (conns, bytesIn, bytesOut int64, connectedAt time.Time) {
	return c.connCount.Load(), c.bytesIn.Load(), c.bytesOut.Load(), c.connectedAt
}

// controlURL converts the configured server URL to the WebSocket
// control endpoint.
func controlURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u.Path = protocol.ConnectPath
	return u.String(), nil
}
