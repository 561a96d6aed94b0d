// Package auth provides token matching and identifier generation for the
// tunnl control plane.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
)

const (
	// SessionIDLength is the length of a minted session id.
	SessionIDLength = 128

	// SubdomainLength is the length of a generated HTTP subdomain.
	SubdomainLength = 8

	// ConnIDLength is the length of a connection id.
	ConnIDLength = 16
)

// ErrUnknownToken is returned when no configured token matches.
var ErrUnknownToken = errors.New("unknown token")

// idAlphabet is the alphabet of generated identifiers. Alphanumeric
// only, so ids are safe in hostnames and metadata values.
const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// subdomainAlphabet excludes uppercase: subdomains are part of a
// lowercased entrypoint key.
const subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomString(alphabet string, n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

// NewSessionID mints a random 128-character session id.
func NewSessionID() string {
	return randomString(idAlphabet, SessionIDLength)
}

// NewConnID mints a random connection id.
func NewConnID() string {
	return randomString(idAlphabet, ConnIDLength)
}

// NewSubdomain mints a random lowercase subdomain.
func NewSubdomain() string {
	return randomString(subdomainAlphabet, SubdomainLength)
}

// LookupToken scans the username->token map for a value equal to token
// and returns the matching username. Comparison is constant-time per
// candidate to avoid leaking token prefixes.
func LookupToken(tokens map[string]string, token string) (string, error) {
	if token == "" {
		return "", ErrUnknownToken
	}
	for username, candidate := range tokens {
		if len(candidate) == len(token) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return username, nil
		}
	}
	return "", ErrUnknownToken
}
