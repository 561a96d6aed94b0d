package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    PortRange
		wantErr bool
	}{
		{"valid", "42000-42999", PortRange{42000, 42999}, false},
		{"valid with spaces", " 8000 - 9000 ", PortRange{8000, 9000}, false},
		{"full range", "1-65536", PortRange{1, 65536}, false},
		{"no separator", "42000", PortRange{}, true},
		{"min not a number", "abc-42999", PortRange{}, true},
		{"max not a number", "42000-xyz", PortRange{}, true},
		{"min zero", "0-100", PortRange{}, true},
		{"max too large", "1-65537", PortRange{}, true},
		{"inverted", "42999-42000", PortRange{}, true},
		{"empty interval", "42000-42000", PortRange{}, true},
		{"empty", "", PortRange{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePortRange(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePortRange(%q) = %+v, want error", tt.spec, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePortRange(%q) error = %v", tt.spec, err)
			}
			if got != tt.want {
				t.Errorf("ParsePortRange(%q) = %+v, want %+v", tt.spec, got, tt.want)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Core: Core{
			AuthMethod: AuthMethodToken,
			BindAddr:   "0.0.0.0:6443",
			AllowPorts: "42000-42999",
		},
		HTTP: HTTP{
			BindAddr:      "0.0.0.0:8080",
			DefaultDomain: "tunnel.example.com",
		},
		Tokens: map[string]string{"alice": "t0ken"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"oidc without tokens", func(c *Config) {
			c.Core.AuthMethod = AuthMethodOIDC
			c.Tokens = nil
		}, ""},
		{"missing auth method", func(c *Config) { c.Core.AuthMethod = "" }, "auth_method"},
		{"unknown auth method", func(c *Config) { c.Core.AuthMethod = "ldap" }, "auth_method"},
		{"missing bind addr", func(c *Config) { c.Core.BindAddr = "" }, "bind_addr"},
		{"bad port range", func(c *Config) { c.Core.AllowPorts = "nope" }, "allow_ports"},
		{"missing http bind", func(c *Config) { c.HTTP.BindAddr = "" }, "http.bind_addr"},
		{"missing domain", func(c *Config) { c.HTTP.DefaultDomain = "" }, "default_domain"},
		{"token auth without tokens", func(c *Config) { c.Tokens = nil }, "tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestFromViper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunnld.yaml")
	data := `core:
  auth_method: token
  bind_addr: 127.0.0.1:6443
  allow_ports: 45000-45099
http:
  bind_addr: 127.0.0.1:8080
  default_domain: tunnel.example.com
tokens:
  alice: secret-a
  bob: secret-b
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}

	cfg, err := FromViper(v)
	if err != nil {
		t.Fatalf("FromViper() error = %v", err)
	}

	if cfg.Core.BindAddr != "127.0.0.1:6443" {
		t.Errorf("Core.BindAddr = %q", cfg.Core.BindAddr)
	}
	if cfg.HTTP.DefaultDomain != "tunnel.example.com" {
		t.Errorf("HTTP.DefaultDomain = %q", cfg.HTTP.DefaultDomain)
	}
	if got := cfg.Tokens["bob"]; got != "secret-b" {
		t.Errorf("Tokens[bob] = %q", got)
	}

	ports, err := cfg.AllowPorts()
	if err != nil {
		t.Fatalf("AllowPorts() error = %v", err)
	}
	if ports != (PortRange{45000, 45099}) {
		t.Errorf("AllowPorts() = %+v", ports)
	}
}

func TestFromViperInvalid(t *testing.T) {
	v := viper.New()
	v.Set("core.auth_method", "token")
	v.Set("core.bind_addr", "0.0.0.0:6443")
	v.Set("core.allow_ports", "broken")
	v.Set("http.bind_addr", "0.0.0.0:8080")
	v.Set("http.default_domain", "example.com")
	v.Set("tokens", map[string]string{"a": "b"})

	if _, err := FromViper(v); err == nil {
		t.Fatal("FromViper() with broken port range returned nil error")
	}
}
