// Package credentials provides cached OAuth2 tokens to the token based
// calendar providers.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Provider hands out access tokens. Token returns nil without error when no
// account has been authorized yet. With force set, the cached access token is
// discarded and a refresh is performed.
type Provider interface {
	Token(ctx context.Context, force bool) (*oauth2.Token, error)
}

// Cached keeps the current token in memory, persists it in a Store and
// refreshes it through the OAuth2 token endpoint. At most one refresh runs at
// a time; concurrent callers wait for it and share the result.
type Cached struct {
	logger *slog.Logger
	config *oauth2.Config
	store  Store
	key    string

	mu    sync.Mutex
	token *oauth2.Token

	refresh singleflight.Group
}

func NewCached(logger *slog.Logger, config *oauth2.Config, store Store, key string) *Cached {
	return &Cached{
		logger: logger,
		config: config,
		store:  store,
		key:    key,
	}
}

func (c *Cached) Token(ctx context.Context, force bool) (*oauth2.Token, error) {
	tok, err := c.current(ctx)
	if err != nil || tok == nil {
		return nil, err
	}
	if !force && tok.Valid() {
		return tok, nil
	}

	v, err, shared := c.refresh.Do("refresh", func() (any, error) {
		// another caller may have refreshed while we were waiting
		if cur, _ := c.current(ctx); !force && cur != nil && cur.Valid() {
			return cur, nil
		}
		return c.doRefresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Shared an in-flight token refresh", "account", c.key)
	}
	return v.(*oauth2.Token), nil
}

// Save stores a freshly obtained token, typically from an interactive login.
func (c *Cached) Save(ctx context.Context, tok *oauth2.Token) error {
	if err := c.store.Save(ctx, c.key, tok); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return nil
}

func (c *Cached) current(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil {
		return c.token, nil
	}
	tok, err := c.store.Load(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached token: %w", err)
	}
	c.token = tok
	return tok, nil
}

func (c *Cached) doRefresh(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	old := c.token
	c.mu.Unlock()
	if old == nil || old.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token cached for %s", c.key)
	}

	c.logger.Info("Refreshing access token", "account", c.key)
	// Only the refresh token is passed on so the token source always hits the endpoint.
	src := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: old.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	if err := c.store.Save(ctx, c.key, tok); err != nil {
		// the new token is still usable for this process
		c.logger.Error("Failed to persist refreshed token", "account", c.key, "error", err)
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return tok, nil
}

// TokenSource adapts a Provider to an oauth2.TokenSource for HTTP clients.
func TokenSource(ctx context.Context, p Provider) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, provider: p}
}

type tokenSource struct {
	ctx      context.Context
	provider Provider
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.provider.Token(s.ctx, false)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, fmt.Errorf("no account authorized, run the auth command first")
	}
	return tok, nil
}
