package server

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tunnl-io/tunnl/internal/config"
	"github.com/tunnl-io/tunnl/pkg/protocol"
)

func newTestAllocator(min, max int) *EntrypointAllocator {
	return NewEntrypointAllocator("Tunnel.Example.Com", config.PortRange{Min: min, Max: max})
}

func rpcCode(t *testing.T, err error) protocol.Code {
	t.Helper()
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %T (%v), want *protocol.Error", err, err)
	}
	return rpcErr.Code
}

func TestAllocateHTTPExplicit(t *testing.T) {
	a := newTestAllocator(45000, 45010)

	key, err := a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolHTTP, Subdomain: "Demo"})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	// Keys are canonical: lowercased, same subdomain always maps to the
	// same key.
	if key != "http://demo.tunnel.example.com" {
		t.Errorf("key = %q", key)
	}
	if !a.Live(key) {
		t.Error("Live() = false for allocated key")
	}

	_, err = a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolHTTP, Subdomain: "demo"})
	if code := rpcCode(t, err); code != protocol.CodeAlreadyExists {
		t.Errorf("duplicate subdomain code = %v, want AlreadyExists", code)
	}
	var rpcErr *protocol.Error
	errors.As(err, &rpcErr)
	if rpcErr.Message != "subdomain already exist" {
		t.Errorf("message = %q", rpcErr.Message)
	}

	a.Release(key)
	if a.Live(key) {
		t.Error("Live() = true after Release")
	}
	if _, err := a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolHTTP, Subdomain: "demo"}); err != nil {
		t.Errorf("Allocate() after release error = %v", err)
	}
}

func TestAllocateHTTPRandom(t *testing.T) {
	a := newTestAllocator(45000, 45010)

	key, err := a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolHTTP})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if !strings.HasPrefix(key, "http://") || !strings.HasSuffix(key, ".tunnel.example.com") {
		t.Fatalf("key = %q", key)
	}
	sub := strings.TrimSuffix(strings.TrimPrefix(key, "http://"), ".tunnel.example.com")
	if len(sub) != 8 {
		t.Errorf("generated subdomain %q length = %d, want 8", sub, len(sub))
	}
	if sub != strings.ToLower(sub) {
		t.Errorf("generated subdomain %q is not lowercase", sub)
	}

	// Random allocations never collide with each other in practice.
	second, err := a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolHTTP})
	if err != nil {
		t.Fatalf("second Allocate() error = %v", err)
	}
	if second == key {
		t.Error("two random allocations produced the same key")
	}
}

func TestAllocateTCP(t *testing.T) {
	a := newTestAllocator(45000, 45003)

	// Ascending scan: lowest free port first, max is exclusive.
	for _, want := range []int{45000, 45001, 45002} {
		key, err := a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolTCP})
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if key != TCPKey(want) {
			t.Errorf("key = %q, want %q", key, TCPKey(want))
		}
		port, err := TCPPort(key)
		if err != nil || port != want {
			t.Errorf("TCPPort(%q) = %d, %v", key, port, err)
		}
	}

	_, err := a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolTCP})
	if code := rpcCode(t, err); code != protocol.CodeInternal {
		t.Errorf("exhausted pool code = %v, want Internal", code)
	}
	var rpcErr *protocol.Error
	errors.As(err, &rpcErr)
	if rpcErr.Message != "none valid tcp port" {
		t.Errorf("message = %q", rpcErr.Message)
	}

	// Releasing the middle port makes exactly that port assignable again.
	a.Release(TCPKey(45001))
	key, err := a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolTCP})
	if err != nil {
		t.Fatalf("Allocate() after release error = %v", err)
	}
	if key != TCPKey(45001) {
		t.Errorf("key = %q, want %q", key, TCPKey(45001))
	}
}

func TestAllocateUnsupportedProtocol(t *testing.T) {
	a := newTestAllocator(45000, 45010)
	_, err := a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolUDP})
	if code := rpcCode(t, err); code != protocol.CodeInvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", code)
	}
}

func TestHTTPAndTCPShareLiveSet(t *testing.T) {
	a := newTestAllocator(45000, 45002)

	if _, err := a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolHTTP, Subdomain: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(protocol.ListenParam{Protocol: protocol.ProtocolTCP}); err != nil {
		t.Fatal(err)
	}
	if a.Count() != 2 {
		t.Errorf("Count() = %d, want 2", a.Count())
	}
}

func TestTCPPortRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{"http://a.example.com", "tcp://1.2.3.4:9", ""} {
		if _, err := TCPPort(key); err == nil {
			t.Errorf("TCPPort(%q) = nil error", key)
		}
	}
}

func TestAllocateConcurrent(t *testing.T) {
	a := newTestAllocator(45000, 45100)

	const workers = 50
	keys := make(chan string, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			key, err := a.Allocate(protocol.ListenParam{
				Protocol:  protocol.ProtocolHTTP,
				Subdomain: fmt.Sprintf("sub%d", i),
			})
			if err != nil {
				t.Errorf("Allocate() error = %v", err)
				keys <- ""
				return
			}
			keys <- key
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < workers; i++ {
		key := <-keys
		if key == "" {
			continue
		}
		if seen[key] {
			t.Errorf("key %q allocated twice", key)
		}
		seen[key] = true
	}
}
