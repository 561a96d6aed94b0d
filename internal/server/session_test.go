package server

import (
	"errors"
	"testing"

	"github.com/tunnl-io/tunnl/internal/config"
	"github.com/tunnl-io/tunnl/pkg/auth"
	"github.com/tunnl-io/tunnl/pkg/protocol"
)

func tokenConfig() *config.Config {
	return &config.Config{
		Core: config.Core{
			AuthMethod: config.AuthMethodToken,
			BindAddr:   "127.0.0.1:0",
			AllowPorts: "45000-45099",
		},
		HTTP: config.HTTP{
			BindAddr:      "127.0.0.1:0",
			DefaultDomain: "tunnel.example.com",
		},
		Tokens: map[string]string{
			"alice": "secret-a",
			"bob":   "secret-b",
		},
	}
}

func TestLogin(t *testing.T) {
	reg := NewSessionRegistry(tokenConfig())

	sessionID, username, err := reg.Login("secret-a")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if username != "alice" {
		t.Errorf("username = %q, want alice", username)
	}
	if len(sessionID) != auth.SessionIDLength {
		t.Errorf("session id length = %d, want %d", len(sessionID), auth.SessionIDLength)
	}

	if !reg.Validate(sessionID) {
		t.Error("Validate() = false for freshly minted session")
	}
	if got, ok := reg.Username(sessionID); !ok || got != "alice" {
		t.Errorf("Username() = %q, %v", got, ok)
	}

	// Each login mints a distinct session.
	second, _, err := reg.Login("secret-a")
	if err != nil {
		t.Fatalf("second Login() error = %v", err)
	}
	if second == sessionID {
		t.Error("two logins produced the same session id")
	}
	if reg.Count() != 2 {
		t.Errorf("Count() = %d, want 2", reg.Count())
	}
}

func TestLoginInvalidToken(t *testing.T) {
	reg := NewSessionRegistry(tokenConfig())

	_, _, err := reg.Login("wrong")
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Login() error = %T, want *protocol.Error", err)
	}
	if rpcErr.Code != protocol.CodeInvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", rpcErr.Code)
	}
	if rpcErr.Message != "invalid token" {
		t.Errorf("message = %q, want %q", rpcErr.Message, "invalid token")
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d after failed login, want 0", reg.Count())
	}
}

func TestLoginOIDC(t *testing.T) {
	cfg := tokenConfig()
	cfg.Core.AuthMethod = config.AuthMethodOIDC
	reg := NewSessionRegistry(cfg)

	_, _, err := reg.Login("secret-a")
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Login() error = %T, want *protocol.Error", err)
	}
	if rpcErr.Code != protocol.CodeInvalidArgument || rpcErr.Message != "oidc not implement" {
		t.Errorf("Login() = %+v", rpcErr)
	}
}

func TestValidateUnknown(t *testing.T) {
	reg := NewSessionRegistry(tokenConfig())
	if reg.Validate("never-issued") {
		t.Error("Validate() = true for unknown session")
	}
	if _, ok := reg.Username("never-issued"); ok {
		t.Error("Username() found an unknown session")
	}
}
