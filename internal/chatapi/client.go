// Package chatapi reads history and presence from the chat server's REST API.
// It seeds the reconciler before the websocket delivers live events.
package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nfrund/chatsync/internal/auth"
	"github.com/nfrund/chatsync/internal/chat"
)

// DefaultPageSize is the page size used when callers pass zero.
const DefaultPageSize = 50

// envelope is the wrapper every chat endpoint answers with.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// Client calls the chat API with the current credential.
type Client struct {
	baseURL string
	http    *http.Client
	creds   auth.Provider
	logger  *slog.Logger
}

// NewClient creates a client for the API at baseURL (e.g. http://localhost:8080/api).
func NewClient(baseURL string, creds auth.Provider, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		creds:   creds,
		logger:  logger.With("component", "chatapi"),
	}
}

// OnlineUsers returns the users currently online.
func (c *Client) OnlineUsers(ctx context.Context) ([]chat.User, error) {
	return call[[]chat.User](ctx, c, http.MethodGet, "/chat/users/online", nil)
}

// Rooms lists the public rooms.
func (c *Client) Rooms(ctx context.Context) ([]chat.Room, error) {
	return call[[]chat.Room](ctx, c, http.MethodGet, "/chat/rooms", nil)
}

// RoomMessages returns a page of a room's history, oldest first. offset
// counts back from the newest message.
func (c *Client) RoomMessages(ctx context.Context, room string, limit, offset int) ([]chat.Message, error) {
	path := "/chat/messages/" + url.PathEscape(room)
	return call[[]chat.Message](ctx, c, http.MethodGet, path, pageQuery(limit, offset))
}

// PrivateMessages returns a page of the conversation between userID and other.
func (c *Client) PrivateMessages(ctx context.Context, userID, other chat.ID, limit, offset int) ([]chat.Message, error) {
	q := pageQuery(limit, offset)
	q.Set("otherUserId", other.String())
	path := "/chat/messages/private/" + url.PathEscape(userID.String())
	return call[[]chat.Message](ctx, c, http.MethodGet, path, q)
}

// MarkAllRead marks every message from other to userID as read and returns
// how many were updated.
func (c *Client) MarkAllRead(ctx context.Context, userID, other chat.ID) (int, error) {
	q := url.Values{}
	q.Set("userId", userID.String())
	q.Set("otherUserId", other.String())
	res, err := call[struct {
		Updated int `json:"updated"`
	}](ctx, c, http.MethodPost, "/chat/messages/read-all", q)
	return res.Updated, err
}

func pageQuery(limit, offset int) url.Values {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return q
}

// call performs one request and unwraps the envelope. A 401 triggers a single
// credential refresh and retry when the provider supports it.
func call[T any](ctx context.Context, c *Client, method, path string, query url.Values) (T, error) {
	res, err := once[T](ctx, c, method, path, query)
	if !errors.Is(err, auth.ErrUnauthorized) {
		return res, err
	}
	r, ok := c.creds.(auth.Refresher)
	if !ok {
		return res, err
	}
	if rerr := r.Refresh(ctx); rerr != nil {
		c.logger.Warn("Credential refresh failed", "path", path, "error", rerr)
		return res, err
	}
	return once[T](ctx, c, method, path, query)
}

func once[T any](ctx context.Context, c *Client, method, path string, query url.Values) (T, error) {
	var zero T
	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", cred.Bearer())

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope[T]
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return zero, fmt.Errorf("%s %s: %w", method, path, auth.ErrUnauthorized)
	case resp.StatusCode >= 300:
		return zero, fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, env.Message)
	case decodeErr != nil:
		return zero, fmt.Errorf("%s %s: decode response: %w", method, path, decodeErr)
	case !env.Success:
		return zero, fmt.Errorf("%s %s: request rejected: %s", method, path, env.Message)
	}
	return env.Data, nil
}
