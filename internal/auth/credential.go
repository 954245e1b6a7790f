package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nfrund/chatsync/internal/chat"
)

// ErrNoCredential is returned by providers that have no usable token.
var ErrNoCredential = errors.New("no credential available")

// Identity is the authenticated user a session runs as.
type Identity struct {
	UserID   chat.ID `json:"userId"`
	Username string  `json:"username"`
}

// Credential is an opaque bearer token plus the identity it was issued for.
type Credential struct {
	Token        string   `json:"-"`
	RefreshToken string   `json:"-"`
	Identity     Identity `json:"identity"`
}

// Valid reports whether the credential carries a non-empty token.
func (c Credential) Valid() bool {
	return strings.TrimSpace(c.Token) != ""
}

// Bearer returns the Authorization header value.
func (c Credential) Bearer() string {
	return "Bearer " + c.Token
}

// Provider supplies the credential used for each connection attempt.
type Provider interface {
	Credential(ctx context.Context) (Credential, error)
}

// Refresher is implemented by providers that can renew their token before a
// reconnect attempt.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Static is a Provider holding a fixed credential. It is safe for concurrent use.
type Static struct {
	mu   sync.RWMutex
	cred Credential
}

// NewStatic returns a Provider for cred.
func NewStatic(cred Credential) *Static {
	return &Static{cred: cred}
}

// Credential implements Provider.
func (s *Static) Credential(context.Context) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.cred.Valid() {
		return Credential{}, ErrNoCredential
	}
	return s.cred, nil
}

// Set replaces the held credential.
func (s *Static) Set(cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
}
