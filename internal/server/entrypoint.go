// Package server contains the tunnld control plane: entrypoint
// allocation, public listeners, and the Listen/Transfer RPC handlers.
package server

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tunnl-io/tunnl/internal/config"
	"github.com/tunnl-io/tunnl/pkg/auth"
	"github.com/tunnl-io/tunnl/pkg/protocol"
)

// randomSubdomainRetries bounds regeneration attempts when a randomly
// generated subdomain happens to collide.
const randomSubdomainRetries = 5

// EntrypointAllocator owns the live-set of public entrypoint keys. Keys
// are canonical strings, unique across both protocols:
//
//	http://<sub>.<default_domain>   (lowercase)
//	tcp://0.0.0.0:<port>
type EntrypointAllocator struct {
	defaultDomain string
	ports         config.PortRange

	mu   sync.Mutex
	live map[string]struct{}
}

// NewEntrypointAllocator creates an allocator for the configured domain
// and TCP port pool.
func NewEntrypointAllocator(defaultDomain string, ports config.PortRange) *EntrypointAllocator {
	return &EntrypointAllocator{
		defaultDomain: strings.ToLower(defaultDomain),
		ports:         ports,
		live:          make(map[string]struct{}),
	}
}

// HTTPKey returns the canonical entrypoint key for a subdomain.
func (a *EntrypointAllocator) HTTPKey(subdomain string) string {
	return strings.ToLower(fmt.Sprintf("http://%s.%s", subdomain, a.defaultDomain))
}

// TCPKey returns the canonical entrypoint key for a port.
func TCPKey(port int) string {
	return "tcp://0.0.0.0:" + strconv.Itoa(port)
}

// TCPPort extracts the port from a tcp:// entrypoint key.
func TCPPort(key string) (int, error) {
	rest, ok := strings.CutPrefix(key, "tcp://0.0.0.0:")
	if !ok {
		return 0, fmt.Errorf("not a tcp entrypoint key: %q", key)
	}
	return strconv.Atoi(rest)
}

// Allocate reserves an entrypoint for the given listen parameters. The
// check-then-insert is atomic with respect to Release.
func (a *EntrypointAllocator) Allocate(lp protocol.ListenParam) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var key string
	var err error
	switch lp.Protocol {
	case protocol.ProtocolHTTP:
		key, err = a.allocateHTTP(lp.Subdomain)
	case protocol.ProtocolTCP:
		key, err = a.allocateTCP()
	default:
		return "", protocol.Errorf(protocol.CodeInvalidArgument, "unsupported protocol %d", lp.Protocol)
	}
	if err != nil {
		return "", err
	}
	a.live[key] = struct{}{}
	return key, nil
}

// allocateHTTP picks an HTTP vhost key. A caller-supplied subdomain that
// collides fails immediately; a generated one is retried a few times.
func (a *EntrypointAllocator) allocateHTTP(subdomain string) (string, error) {
	if subdomain != "" {
		key := a.HTTPKey(subdomain)
		if _, taken := a.live[key]; taken {
			return "", protocol.Errorf(protocol.CodeAlreadyExists, "subdomain already exist")
		}
		return key, nil
	}

	for i := 0; i < randomSubdomainRetries; i++ {
		key := a.HTTPKey(auth.NewSubdomain())
		if _, taken := a.live[key]; !taken {
			return key, nil
		}
	}
	return "", protocol.Errorf(protocol.CodeAlreadyExists, "subdomain already exist")
}

// allocateTCP scans the pool ascending for the first free port.
func (a *EntrypointAllocator) allocateTCP() (string, error) {
	for port := a.ports.Min; port < a.ports.Max; port++ {
		key := TCPKey(port)
		if _, taken := a.live[key]; !taken {
			return key, nil
		}
	}
	return "", protocol.Errorf(protocol.CodeInternal, "none valid tcp port")
}

// Release removes a key from the live-set.
func (a *EntrypointAllocator) Release(key string) {
	a.mu.Lock()
	delete(a.live, key)
	a.mu.Unlock()
}

// Live reports whether a key is currently allocated.
func (a *EntrypointAllocator) Live(key string) bool {
	a.mu.Lock()
	_, ok := a.live[key]
	a.mu.Unlock()
	return ok
}

// Count returns the number of live entrypoints.
func (a *EntrypointAllocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
