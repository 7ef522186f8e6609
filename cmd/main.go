package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"freebusy/internal/aggregator"
	"freebusy/internal/config"
	"freebusy/internal/credentials"
	"freebusy/internal/exchange"
	"freebusy/internal/google"
	"freebusy/internal/registry"
	"freebusy/internal/server"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "freebusy",
		Usage: "Look up when a participant is busy across calendar backends.",
		Commands: []*cli.Command{
			busyCommand(),
			serveCommand(),
			authCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func busyCommand() *cli.Command {
	return &cli.Command{
		Name:  "busy",
		Usage: "Print the busy times of one participant on one day as JSON.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Usage: "Day to look up (YYYY-MM-DD). Defaults to today."},
			&cli.StringFlag{Name: "tz", Value: "UTC", Usage: "IANA time zone the times are expressed in."},
			&cli.StringFlag{Name: "uid", Usage: "Participant user id."},
			&cli.StringFlag{Name: "email", Usage: "Participant email address."},
		},
		Action: func(c *cli.Context) error {
			date := civil.DateOf(time.Now())
			if v := c.String("date"); v != "" {
				var err error
				if date, err = civil.ParseDate(v); err != nil {
					return fmt.Errorf("invalid date %q: %w", v, err)
				}
			}
			if c.String("uid") == "" && c.String("email") == "" {
				return fmt.Errorf("one of --uid or --email is required")
			}

			agg, cleanup, err := setupAggregator(c.Context)
			if err != nil {
				return err
			}
			defer cleanup()

			busy, err := agg.BusyTimes(c.Context, date, c.String("tz"), c.String("uid"), c.String("email"))
			if err != nil {
				return fmt.Errorf("busy time lookup failed: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(busy)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve busy time lookups over HTTP.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Address to listen on. Overrides LISTEN_ADDR."},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			agg, cleanup, err := buildAggregator(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			addr := cfg.Listen
			if c.IsSet("listen") {
				addr = c.String("listen")
			}
			srv := server.New(logger, agg, server.Options{
				AllowedOrigins: cfg.CORSOrigins,
				MaxRequests:    cfg.MaxRequests,
			})
			return srv.ListenAndServe(ctx, addr)
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize an account for a token based provider and cache its token.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "provider", Value: google.Name, Usage: "Provider to authorize: google or exchange."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, closeStore, err := registry.NewTokenStore(cfg.Tokens)
			if err != nil {
				return fmt.Errorf("failed to open token store: %w", err)
			}
			defer closeStore()

			switch c.String("provider") {
			case google.Name:
				return authGoogle(c.Context, logger, cfg, store)
			case exchange.Name:
				return authExchange(c.Context, logger, cfg, store)
			default:
				return fmt.Errorf("provider %q does not use tokens", c.String("provider"))
			}
		},
	}
}

func authGoogle(ctx context.Context, logger *slog.Logger, cfg *config.Config, store credentials.Store) error {
	logger.Info("Starting Google authentication flow.")

	oauthCfg, err := google.OAuthConfig(cfg.Google)
	if err != nil {
		return fmt.Errorf("failed to get google oauth config: %w", err)
	}

	authURL := oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser then type the "+
		"authorization code: \n%v\n", authURL)

	fmt.Print("Enter Authorization Code: ")
	reader := bufio.NewReader(os.Stdin)
	authCode, _ := reader.ReadString('\n')
	authCode = strings.TrimSpace(authCode)

	token, err := google.TokenFromWeb(ctx, oauthCfg, authCode)
	if err != nil {
		return fmt.Errorf("unable to retrieve token from web: %w", err)
	}

	tokens := credentials.NewCached(logger, oauthCfg, store, cfg.Google.Account)
	if err := tokens.Save(ctx, token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	logger.Info("Successfully authenticated and saved token.", "account", cfg.Google.Account)
	return nil
}

func authExchange(ctx context.Context, logger *slog.Logger, cfg *config.Config, store credentials.Store) error {
	if cfg.Exchange.Auth != "oauth" {
		return fmt.Errorf("EXCHANGE_PROVIDER_AUTH is %q, nothing to authorize", cfg.Exchange.Auth)
	}
	if err := cfg.Exchange.Validate(); err != nil {
		return fmt.Errorf("exchange settings: %w", err)
	}
	logger.Info("Starting Exchange device code flow.", "account", cfg.Exchange.Account)

	oauthCfg := exchange.OAuthConfig(cfg.Exchange)
	resp, err := oauthCfg.DeviceAuth(ctx)
	if err != nil {
		return fmt.Errorf("failed to start device authorization: %w", err)
	}
	fmt.Printf("Sign in as %s at %s and enter the code %s\n", cfg.Exchange.Account, resp.VerificationURI, resp.UserCode)

	token, err := oauthCfg.DeviceAccessToken(ctx, resp)
	if err != nil {
		return fmt.Errorf("device authorization failed: %w", err)
	}

	tokens := credentials.NewCached(logger, oauthCfg, store, registry.ExchangeTokenKey)
	if err := tokens.Save(ctx, token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	logger.Info("Successfully authenticated and saved token.", "account", cfg.Exchange.Account)
	return nil
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logger := setupLogger(logLevel)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, logger, nil
}

func setupAggregator(ctx context.Context) (*aggregator.Aggregator, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return buildAggregator(ctx, cfg, logger)
}

func buildAggregator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*aggregator.Aggregator, func(), error) {
	store, closeStore, err := registry.NewTokenStore(cfg.Tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open token store: %w", err)
	}
	cleanup := func() {
		if err := closeStore(); err != nil {
			logger.Warn("Failed to close token store.", "error", err)
		}
	}

	providers, err := registry.Build(ctx, registry.Deps{Logger: logger, Config: cfg, Tokens: store})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return aggregator.New(logger, providers, aggregator.WithProviderTimeout(cfg.ProviderTimeout)), cleanup, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
