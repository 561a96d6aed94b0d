package server

import (
	"sync"

	"github.com/tunnl-io/tunnl/internal/config"
	"github.com/tunnl-io/tunnl/pkg/auth"
	"github.com/tunnl-io/tunnl/pkg/protocol"
)

// SessionRegistry issues and validates login sessions. Login is the only
// mutator; validation happens on every tunnel RPC.
type SessionRegistry struct {
	authMethod string
	tokens     map[string]string

	mu       sync.Mutex
	sessions map[string]string // session id -> username
}

// NewSessionRegistry creates a registry over the configured tokens.
func NewSessionRegistry(cfg *config.Config) *SessionRegistry {
	return &SessionRegistry{
		authMethod: cfg.Core.AuthMethod,
		tokens:     cfg.Tokens,
		sessions:   make(map[string]string),
	}
}

// Login exchanges a token for a fresh session id.
func (r *SessionRegistry) Login(token string) (sessionID, username string, err error) {
	if r.authMethod == config.AuthMethodOIDC {
		return "", "", protocol.Errorf(protocol.CodeInvalidArgument, "oidc not implement")
	}

	username, lookupErr := auth.LookupToken(r.tokens, token)
	if lookupErr != nil {
		return "", "", protocol.Errorf(protocol.CodeInvalidArgument, "invalid token")
	}

	sessionID = auth.NewSessionID()
	r.mu.Lock()
	r.sessions[sessionID] = username
	r.mu.Unlock()
	return sessionID, username, nil
}

// Validate reports whether sessionID was issued by a prior Login.
func (r *SessionRegistry) Validate(sessionID string) bool {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	r.mu.Unlock()
	return ok
}

// Username returns the user a session belongs to.
func (r *SessionRegistry) Username(sessionID string) (string, bool) {
	r.mu.Lock()
	username, ok := r.sessions[sessionID]
	r.mu.Unlock()
	return username, ok
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
