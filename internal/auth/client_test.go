package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/storage"
)

func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeEnv := func(w http.ResponseWriter, status int, body map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret" {
			writeEnv(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "bad credentials"})
			return
		}
		writeEnv(w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"token":        "access-1",
				"refreshToken": "refresh-1",
				"username":     req.Username,
				"userId":       42,
			},
		})
	})
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["refreshToken"] != "refresh-1" {
			writeEnv(w, http.StatusUnauthorized, map[string]any{"success": false})
			return
		}
		writeEnv(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"token": "access-2"},
		})
	})
	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		writeEnv(w, http.StatusOK, map[string]any{"success": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_LoginRefreshLogout(t *testing.T) {
	srv := newAuthServer(t)
	cache := storage.NewCache(storage.NewAferoStore(afero.NewMemMapFs(), "/state"), 0)
	client := NewClient(srv.URL+"/api/", cache, storage.KeyUser)
	ctx := context.Background()

	_, err := client.Credential(ctx)
	assert.ErrorIs(t, err, ErrNoCredential)

	cred, err := client.Login(ctx, LoginRequest{Username: "ada", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, chat.ID("42"), cred.Identity.UserID)
	assert.Equal(t, "Bearer access-1", cred.Bearer())

	t.Run("Restore from cache", func(t *testing.T) {
		other := NewClient(srv.URL+"/api", cache, storage.KeyUser)
		restored, err := other.Restore(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ada", restored.Identity.Username)
		assert.Equal(t, "access-1", restored.Token)
	})

	t.Run("Logout", func(t *testing.T) {
		require.NoError(t, client.Logout(ctx))
		_, err := client.Credential(ctx)
		assert.ErrorIs(t, err, ErrNoCredential)

		_, err = NewClient(srv.URL+"/api", cache, storage.KeyUser).Restore(ctx)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestClient_Refresh(t *testing.T) {
	srv := newAuthServer(t)
	client := NewClient(srv.URL+"/api", nil, "")
	ctx := context.Background()

	assert.ErrorIs(t, client.Refresh(ctx), ErrNoCredential, "nothing to refresh before login")

	_, err := client.Login(ctx, LoginRequest{Username: "ada", Password: "secret"})
	require.NoError(t, err)
	require.NoError(t, client.Refresh(ctx))

	cred, err := client.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", cred.Token)
	assert.Equal(t, "refresh-1", cred.RefreshToken, "refresh token is kept when the API omits a new one")
	assert.Equal(t, "ada", cred.Identity.Username)
}

func TestClient_LoginRejected(t *testing.T) {
	srv := newAuthServer(t)
	client := NewClient(srv.URL+"/api", nil, "")

	_, err := client.Login(context.Background(), LoginRequest{Username: "ada", Password: "wrong"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStatic(t *testing.T) {
	s := NewStatic(Credential{})
	_, err := s.Credential(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)

	s.Set(Credential{Token: "t", Identity: Identity{UserID: "7", Username: "bob"}})
	cred, err := s.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bob", cred.Identity.Username)
}
