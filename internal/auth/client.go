package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/chat"
)

// ErrUnauthorized is returned when the API rejects the supplied credentials.
var ErrUnauthorized = errors.New("unauthorized")

// IdentityStore persists the last-known session identity.
type IdentityStore interface {
	SaveJSON(ctx context.Context, key string, v any) error
	LoadJSON(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// envelope is the response wrapper used by every auth endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    struct {
		Token        string  `json:"token"`
		RefreshToken string  `json:"refreshToken"`
		Username     string  `json:"username"`
		UserID       chat.ID `json:"userId"`
	} `json:"data"`
}

// savedSession is what gets written under the identity key.
type savedSession struct {
	Identity     Identity `json:"identity"`
	Token        string   `json:"token"`
	RefreshToken string   `json:"refreshToken"`
}

// Client talks to the HTTP authentication API and acts as the Provider and
// Refresher for the connection manager.
type Client struct {
	baseURL string
	http    *http.Client
	store   IdentityStore
	key     string
	logger  *slog.Logger

	mu   sync.RWMutex
	cred Credential
}

// NewClient creates a client for the API at baseURL (e.g. http://localhost:8080/api).
// store may be nil, in which case nothing is persisted.
func NewClient(baseURL string, store IdentityStore, key string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		store:   store,
		key:     key,
		logger:  slog.Default().With("component", "auth"),
	}
}

// Login exchanges a username and password for a credential.
func (c *Client) Login(ctx context.Context, req LoginRequest) (Credential, error) {
	env, err := c.post(ctx, "/auth/login", req, "")
	if err != nil {
		return Credential{}, fmt.Errorf("login: %w", err)
	}
	cred := Credential{
		Token:        env.Data.Token,
		RefreshToken: env.Data.RefreshToken,
		Identity:     Identity{UserID: env.Data.UserID, Username: env.Data.Username},
	}
	if !cred.Valid() {
		return Credential{}, fmt.Errorf("login: %w", ErrNoCredential)
	}
	c.set(ctx, cred)
	c.logger.Info("Logged in", "username", cred.Identity.Username, "user_id", cred.Identity.UserID)
	return cred, nil
}

// Credential implements Provider.
func (c *Client) Credential(context.Context) (Credential, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.cred.Valid() {
		return Credential{}, ErrNoCredential
	}
	return c.cred, nil
}

// Refresh implements Refresher by trading the refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.RLock()
	current := c.cred
	c.mu.RUnlock()
	if current.RefreshToken == "" {
		return ErrNoCredential
	}

	env, err := c.post(ctx, "/auth/refresh", map[string]string{"refreshToken": current.RefreshToken}, "")
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	next := current
	next.Token = env.Data.Token
	if env.Data.RefreshToken != "" {
		next.RefreshToken = env.Data.RefreshToken
	}
	if !next.Valid() {
		return fmt.Errorf("refresh: %w", ErrNoCredential)
	}
	c.set(ctx, next)
	c.logger.Debug("Refreshed credential", "user_id", next.Identity.UserID)
	return nil
}

// Logout tells the API to end the session and forgets the credential locally
// regardless of the API's answer.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	token := c.cred.Token
	c.cred = Credential{}
	c.mu.Unlock()

	var err error
	if token != "" {
		if _, err = c.post(ctx, "/auth/logout", struct{}{}, token); err != nil {
			c.logger.Warn("Logout request failed", "error", err)
		}
	}
	if c.store != nil {
		if delErr := c.store.Delete(ctx, c.key); delErr != nil {
			c.logger.Warn("Failed to remove saved session", "error", delErr)
		}
	}
	return err
}

// Restore loads a previously saved session, if any.
func (c *Client) Restore(ctx context.Context) (Credential, error) {
	if c.store == nil {
		return Credential{}, ErrNoCredential
	}
	var saved savedSession
	if err := c.store.LoadJSON(ctx, c.key, &saved); err != nil {
		return Credential{}, fmt.Errorf("restore session: %w", err)
	}
	cred := Credential{Token: saved.Token, RefreshToken: saved.RefreshToken, Identity: saved.Identity}
	if !cred.Valid() {
		return Credential{}, ErrNoCredential
	}
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()
	return cred, nil
}

func (c *Client) set(ctx context.Context, cred Credential) {
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	saved := savedSession{Identity: cred.Identity, Token: cred.Token, RefreshToken: cred.RefreshToken}
	if err := c.store.SaveJSON(ctx, c.key, saved); err != nil {
		c.logger.Warn("Failed to persist session identity", "error", err)
	}
}

func (c *Client) post(ctx context.Context, path string, body any, bearer string) (*envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, env.Message)
	case decodeErr != nil:
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	case !env.Success:
		return nil, fmt.Errorf("request rejected: %s", env.Message)
	}
	return &env, nil
}
