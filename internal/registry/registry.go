// Package registry turns the configured provider names into ready provider
// instances. The set of providers is fixed at compile time.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	"github.com/redis/go-redis/v9"

	"freebusy/internal/caldav"
	"freebusy/internal/config"
	"freebusy/internal/credentials"
	"freebusy/internal/exchange"
	"freebusy/internal/freebusy"
	"freebusy/internal/google"
	"freebusy/internal/kopano"
	"freebusy/internal/ox"
	"freebusy/internal/random"
)

// ExchangeTokenKey is the token store key of the Exchange service account.
const ExchangeTokenKey = "exchange"

const redisTokenPrefix = "freebusy:token:"

// Deps carries what the provider factories need besides their own settings.
type Deps struct {
	Logger *slog.Logger
	Config *config.Config
	Tokens credentials.Store
	// HTTPClient overrides the client of the HTTP based providers.
	HTTPClient *http.Client
}

// Factory creates one provider.
type Factory func(ctx context.Context, d Deps) (freebusy.Provider, error)

var factories = map[string]Factory{
	random.Name: func(context.Context, Deps) (freebusy.Provider, error) {
		return random.New(), nil
	},
	exchange.Name: func(_ context.Context, d Deps) (freebusy.Provider, error) {
		cfg := d.Config.Exchange
		var tokens credentials.Provider
		if cfg.Auth == "oauth" {
			if d.Tokens == nil {
				return nil, freebusy.NewConfigurationError(exchange.Name, "no token store")
			}
			tokens = credentials.NewCached(d.Logger, exchange.OAuthConfig(cfg), d.Tokens, ExchangeTokenKey)
		}
		return exchange.New(d.Logger, cfg, d.Config.TimezoneAliases, d.HTTPClient, tokens)
	},
	ox.Name: func(_ context.Context, d Deps) (freebusy.Provider, error) {
		return ox.New(d.Logger, d.Config.OX, d.HTTPClient)
	},
	kopano.Name: func(_ context.Context, d Deps) (freebusy.Provider, error) {
		return kopano.New(d.Logger, d.Config.Kopano, d.HTTPClient)
	},
	google.Name: func(ctx context.Context, d Deps) (freebusy.Provider, error) {
		oauthCfg, err := google.OAuthConfig(d.Config.Google)
		if err != nil {
			return nil, err
		}
		if d.Tokens == nil {
			return nil, freebusy.NewConfigurationError(google.Name, "no token store")
		}
		tokens := credentials.NewCached(d.Logger, oauthCfg, d.Tokens, d.Config.Google.Account)
		return google.New(ctx, d.Logger, tokens)
	},
	caldav.Name: func(_ context.Context, d Deps) (freebusy.Provider, error) {
		var transport http.RoundTripper
		if d.HTTPClient != nil {
			transport = d.HTTPClient.Transport
		}
		return caldav.New(d.Logger, d.Config.CalDAV, transport)
	},
}

// Names lists the known provider identifiers.
func Names() []string {
	return slices.Sorted(maps.Keys(factories))
}

// Build instantiates the providers listed in cfg.Providers, in order.
// Unknown names and incomplete settings fail with a ConfigurationError.
func Build(ctx context.Context, d Deps) ([]freebusy.Provider, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	providers := make([]freebusy.Provider, 0, len(d.Config.Providers))
	seen := make(map[string]bool)
	for _, name := range d.Config.Providers {
		if seen[name] {
			continue
		}
		seen[name] = true

		factory, ok := factories[name]
		if !ok {
			return nil, freebusy.NewConfigurationError(name, fmt.Sprintf("unknown provider, expected one of %v", Names()))
		}
		p, err := factory(ctx, Deps{
			Logger:     d.Logger.With("provider", name),
			Config:     d.Config,
			Tokens:     d.Tokens,
			HTTPClient: d.HTTPClient,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	d.Logger.Info("Free/busy providers ready.", "providers", d.Config.Providers)
	return providers, nil
}

// NewTokenStore opens the configured token store. The returned close func
// releases the Redis connection pool if one was opened.
func NewTokenStore(cfg config.TokenStoreConfig) (credentials.Store, func() error, error) {
	switch cfg.Kind {
	case "", "file":
		return credentials.NewFileStore(cfg.Dir), func() error { return nil }, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, nil, fmt.Errorf("TOKEN_STORE=redis needs REDIS_ADDR")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return credentials.NewRedisStore(client, redisTokenPrefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported TOKEN_STORE %q", cfg.Kind)
	}
}
