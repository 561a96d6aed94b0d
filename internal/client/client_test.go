package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tunnl-io/tunnl/internal/config"
	"github.com/tunnl-io/tunnl/internal/server"
	"github.com/tunnl-io/tunnl/pkg/protocol"
)

func startTestServer(t *testing.T) *server.Server {
	t.Helper()

	cfg := &config.Config{
		Core: config.Core{
			AuthMethod: config.AuthMethodToken,
			BindAddr:   "127.0.0.1:0",
			AllowPorts: "45810-45819",
		},
		HTTP: config.HTTP{
			BindAddr:      "127.0.0.1:0",
			DefaultDomain: "tunnel.test",
		},
		Tokens: map[string]string{"alice": "secret-a"},
	}

	srv, err := server.New(cfg, log.New(io.Discard))
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("server.Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

// startClient connects, runs the tunnel, and returns once the entrypoint
// is ready.
func startClient(t *testing.T, cfg *Config) *Client {
	t.Helper()

	c, err := New(cfg, log.New(io.Discard))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ready := make(chan string, 1)
	c.OnReady = func(entrypoint string) { ready <- entrypoint }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	go c.Run(ctx)

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel never became ready")
	}
	return c
}

func TestClientHTTPTunnel(t *testing.T) {
	srv := startTestServer(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "backend says hi from %s", r.URL.Path)
	}))
	t.Cleanup(backend.Close)
	backendPort := listenerPort(t, backend.Listener.Addr())

	c := startClient(t, &Config{
		ServerURL: fmt.Sprintf("http://%s", srv.ControlAddr()),
		Token:     "secret-a",
		Protocol:  protocol.ProtocolHTTP,
		Subdomain: "cli",
		LocalPort: backendPort,
	})

	if c.Entrypoint() != "http://cli.tunnel.test" {
		t.Fatalf("Entrypoint() = %q", c.Entrypoint())
	}

	req, err := http.NewRequest("GET", fmt.Sprintf("http://%s/greeting", srv.HTTPAddr()), nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = "cli.tunnel.test"

	// Vhost registration is applied asynchronously; retry until routed.
	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err = http.DefaultTransport.RoundTrip(req.Clone(context.Background()))
		if err == nil && resp.StatusCode != http.StatusNotFound {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("request never routed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "backend says hi from /greeting" {
		t.Errorf("body = %q", body)
	}
}

func TestClientTCPTunnel(t *testing.T) {
	srv := startTestServer(t)

	// Local echo service.
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { echo.Close() })
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	c := startClient(t, &Config{
		ServerURL: fmt.Sprintf("http://%s", srv.ControlAddr()),
		Token:     "secret-a",
		Protocol:  protocol.ProtocolTCP,
		LocalPort: listenerPort(t, echo.Addr()),
	})

	port, err := server.TCPPort(c.Entrypoint())
	if err != nil {
		t.Fatalf("Entrypoint() = %q: %v", c.Entrypoint(), err)
	}

	var sock net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for {
		sock, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tcp entrypoint never bound: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer sock.Close()

	msg := "round trip through two sockets and a control channel"
	if _, err := sock.Write([]byte(msg)); err != nil {
		t.Fatal(err)
	}
	sock.(*net.TCPConn).CloseWrite()

	got, err := io.ReadAll(sock)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != msg {
		t.Errorf("echo = %q, want %q", got, msg)
	}
}

func TestClientLoginFailure(t *testing.T) {
	srv := startTestServer(t)

	c, err := New(&Config{
		ServerURL: fmt.Sprintf("http://%s", srv.ControlAddr()),
		Token:     "wrong",
		Protocol:  protocol.ProtocolHTTP,
		LocalPort: 80,
	}, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect() with a bad token returned nil error")
	}
}

func TestClientConfigValidation(t *testing.T) {
	logger := log.New(io.Discard)

	if _, err := New(&Config{Token: "t"}, logger); err == nil {
		t.Error("New() without server URL returned nil error")
	}
	if _, err := New(&Config{ServerURL: "http://x"}, logger); err == nil {
		t.Error("New() without token returned nil error")
	}

	c, err := New(&Config{ServerURL: "http://x", Token: "t"}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.config.LocalHost != "127.0.0.1" {
		t.Errorf("default LocalHost = %q", c.config.LocalHost)
	}
}

func TestControlURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://tunnel.example.com:6443", "ws://tunnel.example.com:6443/_tunnel", false},
		{"https://tunnel.example.com", "wss://tunnel.example.com/_tunnel", false},
		{"ws://tunnel.example.com", "ws://tunnel.example.com/_tunnel", false},
		{"ftp://tunnel.example.com", "", true},
	}
	for _, tt := range tests {
		got, err := controlURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("controlURL(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("controlURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("controlURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func listenerPort(t *testing.T, addr net.Addr) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return port
}
