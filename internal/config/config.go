package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	defaultProviders       = "random"
	defaultProviderTimeout = 10 * time.Second
	defaultListen          = "127.0.0.1:8080"
	defaultTokenDir        = "."
	defaultOXMaxWeeks      = 4
	defaultMaxRequests     = 20
)

// Config is the process wide configuration. It is read once at startup from
// the environment (optionally populated from a .env file) and never mutated.
type Config struct {
	// Providers is the ordered list of enabled free/busy providers.
	Providers       []string
	ProviderTimeout time.Duration
	Listen          string
	// CORSOrigins and MaxRequests configure the HTTP server.
	CORSOrigins []string
	MaxRequests int // per client IP and second, 0 disables limiting

	TimezoneAliasesFile string
	TimezoneAliases     TimezoneAliases

	Tokens   TokenStoreConfig
	Exchange ExchangeConfig
	OX       OXConfig
	Kopano   KopanoConfig
	Google   GoogleConfig
	CalDAV   CalDAVConfig
}

// TokenStoreConfig selects where cached OAuth tokens are persisted.
type TokenStoreConfig struct {
	Kind          string // "file" or "redis"
	Dir           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type ExchangeConfig struct {
	Server   string // EWS endpoint
	Account  string // service account mailbox
	Domain   string // appended to subject uids
	Auth     string // "ntlm" or "oauth"
	Username string
	Password string
	Timezone string // the service account's timezone

	ClientID  string
	Authority string
}

type OXConfig struct {
	URL       string
	Username  string
	Password  string
	ContextID string
	MaxWeeks  int
}

type KopanoConfig struct {
	APIHost string
	APIKey  string
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	Account      string // token cache key
}

type CalDAVConfig struct {
	URL             string
	Username        string
	Password        string
	HomeSetTemplate string // e.g. "/calendars/{email}/"
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Providers:           splitList(getenv("FREE_BUSY_PROVIDERS", defaultProviders)),
		Listen:              getenv("LISTEN_ADDR", defaultListen),
		CORSOrigins:         splitList(getenv("CORS_ALLOWED_ORIGINS", "*")),
		TimezoneAliasesFile: os.Getenv("TIMEZONE_ALIASES_FILE"),
		Tokens: TokenStoreConfig{
			Kind:          strings.ToLower(getenv("TOKEN_STORE", "file")),
			Dir:           getenv("TOKEN_DIR", defaultTokenDir),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
		},
		Exchange: ExchangeConfig{
			Server:    os.Getenv("EXCHANGE_PROVIDER_SERVER"),
			Account:   os.Getenv("EXCHANGE_PROVIDER_ACCOUNT"),
			Domain:    os.Getenv("EXCHANGE_DOMAIN"),
			Auth:      strings.ToLower(getenv("EXCHANGE_PROVIDER_AUTH", "ntlm")),
			Username:  os.Getenv("EXCHANGE_PROVIDER_USERNAME"),
			Password:  os.Getenv("EXCHANGE_PROVIDER_PASSWORD"),
			Timezone:  getenv("EXCHANGE_PROVIDER_TIMEZONE", "UTC"),
			ClientID:  os.Getenv("EXCHANGE_PROVIDER_CLIENT_ID"),
			Authority: os.Getenv("EXCHANGE_PROVIDER_AUTHORITY"),
		},
		OX: OXConfig{
			URL:       os.Getenv("OX_PROVIDER_URL"),
			Username:  os.Getenv("OX_PROVIDER_USERNAME"),
			Password:  os.Getenv("OX_PROVIDER_PASSWORD"),
			ContextID: os.Getenv("OX_PROVIDER_CONTEXT_ID"),
		},
		Kopano: KopanoConfig{
			APIHost: os.Getenv("KOPANO_API_HOST"),
			APIKey:  os.Getenv("KOPANO_API_KEY"),
		},
		Google: GoogleConfig{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			Account:      getenv("GOOGLE_ACCOUNT", "default"),
		},
		CalDAV: CalDAVConfig{
			URL:             os.Getenv("CALDAV_URL"),
			Username:        os.Getenv("CALDAV_USERNAME"),
			Password:        os.Getenv("CALDAV_PASSWORD"),
			HomeSetTemplate: getenv("CALDAV_HOME_SET_TEMPLATE", "/calendars/{email}/"),
		},
	}

	var err error
	if cfg.ProviderTimeout, err = durationEnv("FREE_BUSY_PROVIDER_TIMEOUT", defaultProviderTimeout); err != nil {
		return nil, err
	}
	if cfg.OX.MaxWeeks, err = intEnv("OX_PROVIDER_MAX_WEEKS", defaultOXMaxWeeks); err != nil {
		return nil, err
	}
	if cfg.Tokens.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.MaxRequests, err = intEnv("MAX_REQUESTS_PER_SECOND", defaultMaxRequests); err != nil {
		return nil, err
	}

	cfg.TimezoneAliases, err = LoadTimezoneAliases(cfg.TimezoneAliasesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone aliases: %w", err)
	}

	return cfg, nil
}

// Validate reports the settings the exchange provider is missing.
func (c ExchangeConfig) Validate() error {
	missing := missingKeys(map[string]string{
		"EXCHANGE_PROVIDER_SERVER":  c.Server,
		"EXCHANGE_PROVIDER_ACCOUNT": c.Account,
		"EXCHANGE_DOMAIN":           c.Domain,
	})
	switch c.Auth {
	case "ntlm":
		missing = append(missing, missingKeys(map[string]string{
			"EXCHANGE_PROVIDER_USERNAME": c.Username,
			"EXCHANGE_PROVIDER_PASSWORD": c.Password,
		})...)
	case "oauth":
		missing = append(missing, missingKeys(map[string]string{
			"EXCHANGE_PROVIDER_CLIENT_ID": c.ClientID,
			"EXCHANGE_PROVIDER_AUTHORITY": c.Authority,
		})...)
	default:
		return fmt.Errorf("unsupported EXCHANGE_PROVIDER_AUTH %q", c.Auth)
	}
	return missingError(missing)
}

func (c OXConfig) Validate() error {
	return missingError(missingKeys(map[string]string{
		"OX_PROVIDER_URL":        c.URL,
		"OX_PROVIDER_USERNAME":   c.Username,
		"OX_PROVIDER_PASSWORD":   c.Password,
		"OX_PROVIDER_CONTEXT_ID": c.ContextID,
	}))
}

func (c KopanoConfig) Validate() error {
	return missingError(missingKeys(map[string]string{
		"KOPANO_API_HOST": c.APIHost,
		"KOPANO_API_KEY":  c.APIKey,
	}))
}

func (c GoogleConfig) Validate() error {
	return missingError(missingKeys(map[string]string{
		"GOOGLE_CLIENT_ID":     c.ClientID,
		"GOOGLE_CLIENT_SECRET": c.ClientSecret,
	}))
}

func (c CalDAVConfig) Validate() error {
	missing := missingKeys(map[string]string{
		"CALDAV_URL":      c.URL,
		"CALDAV_USERNAME": c.Username,
		"CALDAV_PASSWORD": c.Password,
	})
	if len(missing) == 0 && !strings.Contains(c.HomeSetTemplate, "{email}") {
		return fmt.Errorf("CALDAV_HOME_SET_TEMPLATE must contain {email}")
	}
	return missingError(missing)
}

func missingKeys(values map[string]string) []string {
	var missing []string
	for key, value := range values {
		if value == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func missingError(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	// map iteration order is random
	slices.Sort(missing)
	return fmt.Errorf("missing %s", strings.Join(missing, ", "))
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToLower(item))
		}
	}
	return out
}
