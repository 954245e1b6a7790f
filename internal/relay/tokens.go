package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nfrund/chatsync/internal/chat"
)

// Token kinds stored in the "typ" claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the identity a verified token carries.
type Claims struct {
	UserID   chat.ID
	Username string
	Kind     string
}

// TokenIssuer signs and verifies HS256 tokens.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer creates an issuer signing with secret.
func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Issue signs a token of kind for the user.
func (t *TokenIssuer) Issue(userID chat.ID, username, kind string) (string, error) {
	ttl := t.accessTTL
	if kind == KindRefresh {
		ttl = t.refreshTTL
	}
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      string(userID),
		"username": username,
		"typ":      kind,
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	})
	return token.SignedString(t.secret)
}

// Verify parses tokenString, which may carry a "Bearer " prefix, and checks
// that it is a valid token of kind.
func (t *TokenIssuer) Verify(tokenString, kind string) (Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Claims{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil || !token.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("%w: claims", ErrInvalidToken)
	}
	sub, _ := mc["sub"].(string)
	username, _ := mc["username"].(string)
	typ, _ := mc["typ"].(string)
	if sub == "" || username == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if typ != kind {
		return Claims{}, fmt.Errorf("%w: want %s token, got %q", ErrInvalidToken, kind, typ)
	}
	return Claims{UserID: chat.ID(sub), Username: username, Kind: typ}, nil
}
