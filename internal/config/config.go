// Package config holds the frozen tunnld configuration.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Auth method values recognized in core.auth_method.
const (
	AuthMethodToken = "token"
	AuthMethodOIDC  = "oidc" // declared extension point, not implemented
)

// Core configures the control plane.
type Core struct {
	AuthMethod string `mapstructure:"auth_method"`
	BindAddr   string `mapstructure:"bind_addr"`
	AllowPorts string `mapstructure:"allow_ports"`
}

// HTTP configures the public HTTP listener.
type HTTP struct {
	BindAddr      string `mapstructure:"bind_addr"`
	DefaultDomain string `mapstructure:"default_domain"`
}

// Config is the full server configuration. It is loaded once at startup
// and treated as immutable afterwards.
type Config struct {
	Core   Core              `mapstructure:"core"`
	HTTP   HTTP              `mapstructure:"http"`
	Tokens map[string]string `mapstructure:"tokens"`
}

// PortRange is the closed-open interval [Min, Max) of assignable TCP
// tunnel ports.
type PortRange struct {
	Min int
	Max int
}

// ParsePortRange parses a "min-max" port range specification.
func ParsePortRange(spec string) (PortRange, error) {
	minStr, maxStr, ok := strings.Cut(spec, "-")
	if !ok {
		return PortRange{}, fmt.Errorf("invalid port range %q: want min-max", spec)
	}
	min, err := strconv.Atoi(strings.TrimSpace(minStr))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", spec, err)
	}
	max, err := strconv.Atoi(strings.TrimSpace(maxStr))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", spec, err)
	}
	if min < 1 || max > 65536 || min >= max {
		return PortRange{}, fmt.Errorf("invalid port range %q: want 1 <= min < max <= 65536", spec)
	}
	return PortRange{Min: min, Max: max}, nil
}

// AllowPorts returns the validated TCP port pool.
func (c *Config) AllowPorts() (PortRange, error) {
	return ParsePortRange(c.Core.AllowPorts)
}

// Validate checks the configuration for startup-fatal mistakes.
func (c *Config) Validate() error {
	switch c.Core.AuthMethod {
	case AuthMethodToken, AuthMethodOIDC:
	case "":
		return fmt.Errorf("core.auth_method is required")
	default:
		return fmt.Errorf("unknown core.auth_method %q", c.Core.AuthMethod)
	}
	if c.Core.BindAddr == "" {
		return fmt.Errorf("core.bind_addr is required")
	}
	if _, err := c.AllowPorts(); err != nil {
		return fmt.Errorf("core.allow_ports: %w", err)
	}
	if c.HTTP.BindAddr == "" {
		return fmt.Errorf("http.bind_addr is required")
	}
	if c.HTTP.DefaultDomain == "" {
		return fmt.Errorf("http.default_domain is required")
	}
	if c.Core.AuthMethod == AuthMethodToken && len(c.Tokens) == 0 {
		return fmt.Errorf("tokens: at least one user token is required")
	}
	return nil
}

// FromViper unmarshals and validates the configuration viper has loaded.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
