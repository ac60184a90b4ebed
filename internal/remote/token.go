package remote

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TokenHolder carries the student's bearer credential for the lifetime of a
// session. The shell replaces it after re-authentication; remote calls read it
// through the oauth2.TokenSource it exposes.
type TokenHolder struct {
	mu  sync.RWMutex
	tok string
}

func NewTokenHolder(token string) *TokenHolder {
	return &TokenHolder{tok: token}
}

func (h *TokenHolder) Set(token string) {
	h.mu.Lock()
	h.tok = token
	h.mu.Unlock()
}

func (h *TokenHolder) Token() (*oauth2.Token, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &oauth2.Token{AccessToken: h.tok, TokenType: "Bearer"}, nil
}

// Expired reports whether the held JWT is past its exp claim. The signature is
// not verified here; only the server can do that. A token that does not parse
// as a JWT is passed through and left for the server to reject.
func (h *TokenHolder) Expired(now time.Time) bool {
	h.mu.RLock()
	raw := h.tok
	h.mu.RUnlock()
	if raw == "" {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return now.After(exp.Time)
}
