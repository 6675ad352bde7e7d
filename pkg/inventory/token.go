package inventory

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// LoginFunc exchanges configured credentials for a session token.
type LoginFunc func(ctx context.Context) (string, error)

// TokenHolder caches the inventory session token for every concurrent caller.
// A static token is returned as is and never invalidated.
type TokenHolder struct {
	mu     sync.RWMutex
	token  string
	static bool
	login  LoginFunc
	group  singleflight.Group
}

func NewTokenHolder(static string, login LoginFunc) *TokenHolder {
	return &TokenHolder{token: static, static: static != "", login: login}
}

// Get returns the cached token, logging in when there is none. fromLogin
// reports whether the token can be refreshed by another login.
func (h *TokenHolder) Get(ctx context.Context) (token string, fromLogin bool, err error) {
	h.mu.RLock()
	token = h.token
	h.mu.RUnlock()
	if token != "" {
		return token, !h.static, nil
	}

	if h.login == nil {
		return "", false, errNoCredentials
	}

	v, err, _ := h.group.Do("login", func() (any, error) {
		h.mu.RLock()
		cached := h.token
		h.mu.RUnlock()
		if cached != "" {
			return cached, nil
		}

		fresh, err := h.login(ctx)
		if err != nil {
			return "", err
		}
		h.mu.Lock()
		h.token = fresh
		h.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), true, nil
}

// Invalidate drops the cached token if it is still stale. A token refreshed by
// another caller in the meantime is kept.
func (h *TokenHolder) Invalidate(stale string) bool {
	if h.static {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.token == "" || h.token != stale {
		return false
	}
	h.token = ""
	return true
}
