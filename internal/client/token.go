package client

import (
	"context"
	"sync"
)

// TokenSource supplies bearer credentials.
type TokenSource interface {
	// EnsureToken returns a usable token, fetching one if needed.
	EnsureToken(ctx context.Context) (string, error)
	// RefreshToken discards the current token and returns a new one.
	RefreshToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never changes. Refreshing returns the
// same token, so a rejected static token stops the client.
type StaticToken string

// EnsureToken implements TokenSource.
func (s StaticToken) EnsureToken(context.Context) (string, error) { return string(s), nil }

// RefreshToken implements TokenSource.
func (s StaticToken) RefreshToken(context.Context) (string, error) { return string(s), nil }

// TokenFunc adapts a mint function into a TokenSource that caches its result.
type TokenFunc func(ctx context.Context) (string, error)

// Cached wraps f so EnsureToken reuses the last minted token.
func (f TokenFunc) Cached() TokenSource {
	return &cachedToken{mint: f}
}

type cachedToken struct {
	mu    sync.Mutex
	mint  TokenFunc
	token string
}

func (c *cachedToken) EnsureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	return c.refreshLocked(ctx)
}

func (c *cachedToken) RefreshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *cachedToken) refreshLocked(ctx context.Context) (string, error) {
	t, err := c.mint(ctx)
	if err != nil {
		return "", err
	}
	c.token = t
	return t, nil
}
