package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tunnl-io/tunnl/internal/config"
	"github.com/tunnl-io/tunnl/internal/metrics"
	"github.com/tunnl-io/tunnl/pkg/protocol"
	"github.com/tunnl-io/tunnl/pkg/transport"
)

// Server is the tunnld daemon: the control-plane RPC endpoint plus the
// public HTTP and TCP listeners.
type Server struct {
	cfg    *config.Config
	logger *log.Logger

	sessions *SessionRegistry
	alloc    *EntrypointAllocator
	conns    *ConnRegistry

	httpProxy *httpProxy
	tcpProxy  *tcpProxy

	ctrl   *http.Server
	ctrlLn net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server from a validated configuration.
func New(cfg *config.Config, logger *log.Logger) (*Server, error) {
	ports, err := cfg.AllowPorts()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		sessions:  NewSessionRegistry(cfg),
		alloc:     NewEntrypointAllocator(cfg.HTTP.DefaultDomain, ports),
		conns:     NewConnRegistry(),
		httpProxy: newHTTPProxy(cfg.HTTP.BindAddr, logger),
		tcpProxy:  newTCPProxy(logger),
		ctx:       ctx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.ConnectPath, s.handleConnect)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.ctrl = &http.Server{Handler: mux}

	return s, nil
}

// Start binds the control plane and the public HTTP listener and begins
// serving. Listener-level bind failures are fatal.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Core.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to bind control plane on %s: %w", s.cfg.Core.BindAddr, err)
	}
	s.ctrlLn = ln

	if err := s.httpProxy.Start(); err != nil {
		ln.Close()
		return err
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.httpProxy.runEvents(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.tcpProxy.runEvents(s.ctx)
	}()

	s.logger.Info("control plane listening", "addr", ln.Addr())
	go func() {
		if err := s.ctrl.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control plane error", "error", err)
		}
	}()
	return nil
}

// Run starts the server and blocks until a shutdown signal or context
// cancellation.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		s.logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the listeners and tears down live state.
func (s *Server) Shutdown() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpProxy.Shutdown(ctx); err != nil {
		s.logger.Error("error shutting down http listener", "error", err)
	}
	if err := s.ctrl.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down control plane: %w", err)
	}

	s.wg.Wait()
	s.logger.Info("server shutdown complete")
	return nil
}

// ControlAddr returns the bound control-plane address.
func (s *Server) ControlAddr() net.Addr {
	return s.ctrlLn.Addr()
}

// HTTPAddr returns the bound public HTTP address.
func (s *Server) HTTPAddr() net.Addr {
	return s.httpProxy.Addr()
}

// handleConnect upgrades a control-channel WebSocket and serves its RPC
// streams.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	wsConn, err := transport.WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	session, err := transport.NewServerSession(wsConn)
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		wsConn.Close()
		return
	}
	s.logger.Info("client connected", "remote_addr", r.RemoteAddr)

	go func() {
		defer session.Close()
		for {
			stream, err := session.AcceptStream()
			if err != nil {
				if !session.IsClosed() {
					s.logger.Debug("control channel closed", "remote_addr", r.RemoteAddr, "error", err)
				}
				return
			}
			go s.handleStream(session.Context(), stream)
		}
	}()
}

// handleStream dispatches one RPC stream by its call header.
func (s *Server) handleStream(ctx context.Context, stream net.Conn) {
	codec := protocol.NewCodec(stream)
	defer codec.Close()

	var hdr protocol.CallHeader
	if err := codec.Read(&hdr); err != nil {
		return
	}

	var err error
	switch hdr.Method {
	case protocol.MethodLogin:
		err = s.handleLogin(codec)
	case protocol.MethodListen:
		if err = s.intercept(hdr.Metadata); err != nil {
			err = s.writeStatus(codec, err)
			break
		}
		err = s.handleListen(ctx, codec)
	case protocol.MethodTransfer:
		if err = s.intercept(hdr.Metadata); err != nil {
			err = s.writeStatus(codec, err)
			break
		}
		err = s.handleTransfer(ctx, codec)
	default:
		err = s.writeStatus(codec, protocol.Errorf(protocol.CodeUnimplemented, "unknown method %q", hdr.Method))
	}
	if err != nil {
		s.logger.Debug("stream finished", "method", hdr.Method, "error", err)
	}
}

// intercept enforces session auth on tunnel.* methods.
func (s *Server) intercept(md map[string]string) error {
	sessionID, ok := md[protocol.MetadataAuthorization]
	if !ok {
		return protocol.Errorf(protocol.CodeUnauthenticated, "No valid auth token")
	}
	if !s.sessions.Validate(sessionID) {
		return protocol.Errorf(protocol.CodeUnauthenticated, "invalid session")
	}
	return nil
}

// handleLogin implements user.Login.
func (s *Server) handleLogin(codec *protocol.Codec) error {
	var body protocol.LoginBody
	if err := codec.Read(&body); err != nil {
		return err
	}

	sessionID, username, err := s.sessions.Login(body.Token)
	if err != nil {
		return s.writeStatus(codec, err)
	}
	s.logger.Info("user logged in", "username", username)

	if err := s.writeStatus(codec, nil); err != nil {
		return err
	}
	return codec.Write(protocol.LoginReply{SessionID: sessionID, Username: username})
}

// writeStatus sends the CallStatus frame for err (CodeOK when nil).
func (s *Server) writeStatus(codec *protocol.Codec, err error) error {
	st := protocol.StatusOf(err)
	return codec.Write(protocol.CallStatus{Code: st.Code, Message: st.Message})
}
