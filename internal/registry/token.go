package registry

import (
	"sync"
	"time"
)

// Token is a ready-to-send Authorization header value for one registry.
type Token struct {
	Registry string
	Scheme   string
	Value    string
	CachedAt time.Time
}

// TokenCache holds at most one token per registry host.
type TokenCache struct {
	mu     sync.Mutex
	tokens map[string]Token
	now    func() time.Time
}

func NewTokenCache() *TokenCache {
	return &TokenCache{
		tokens: make(map[string]Token),
		now:    time.Now,
	}
}

func (c *TokenCache) Get(registry string) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, ok := c.tokens[registry]
	return token, ok
}

func (c *TokenCache) Put(registry, scheme, value string) Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := Token{Registry: registry, Scheme: scheme, Value: value, CachedAt: c.now()}
	c.tokens[registry] = token
	return token
}

// Invalidate drops the token for registry if it still holds value. A token
// replaced by a concurrent negotiation is left alone.
func (c *TokenCache) Invalidate(registry, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token, ok := c.tokens[registry]; ok && token.Value == value {
		delete(c.tokens, registry)
	}
}

func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.tokens)
}
