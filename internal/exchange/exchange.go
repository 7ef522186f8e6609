// Package exchange fetches free/busy data from an on-premises Exchange server
// through the EWS GetUserAvailability operation.
package exchange

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/go-ntlmssp"
	"golang.org/x/oauth2"

	"freebusy/internal/config"
	"freebusy/internal/credentials"
	"freebusy/internal/freebusy"
	"freebusy/internal/models"
)

// Name identifies the provider in FREE_BUSY_PROVIDERS.
const Name = "exchange"

// Scope requested for the modern (token based) authentication flow.
const Scope = "https://outlook.office.com/EWS.AccessAsUser.All"

var busyTypes = map[string]models.BusyStatus{
	"Busy":      models.StatusBusy,
	"Tentative": models.StatusTentative,
	"OOF":       models.StatusOutOfOffice,
}

// Provider queries one service account's view of the subject's mailbox.
type Provider struct {
	logger  *slog.Logger
	cfg     config.ExchangeConfig
	aliases config.TimezoneAliases
	client  *http.Client
	tokens  credentials.Provider // nil with NTLM auth
}

// NewClient builds the HTTP client for the configured auth scheme. With NTLM
// the credentials are handed to the negotiator through basic auth headers.
func NewClient(cfg config.ExchangeConfig) *http.Client {
	if cfg.Auth == "ntlm" {
		return &http.Client{Transport: ntlmssp.Negotiator{RoundTripper: http.DefaultTransport}}
	}
	return &http.Client{}
}

// OAuthConfig describes the public client registered in the tenant named by
// cfg.Authority. Tokens are obtained with the device code flow.
func OAuthConfig(cfg config.ExchangeConfig) *oauth2.Config {
	authority := strings.TrimRight(cfg.Authority, "/")
	return &oauth2.Config{
		ClientID: cfg.ClientID,
		Scopes:   []string{Scope, "offline_access"},
		Endpoint: oauth2.Endpoint{
			AuthURL:       authority + "/oauth2/v2.0/authorize",
			TokenURL:      authority + "/oauth2/v2.0/token",
			DeviceAuthURL: authority + "/oauth2/v2.0/devicecode",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}

// New creates an Exchange provider. tokens must be set when cfg.Auth is "oauth".
func New(logger *slog.Logger, cfg config.ExchangeConfig, aliases config.TimezoneAliases, client *http.Client, tokens credentials.Provider) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &freebusy.ConfigurationError{Provider: Name, Reason: "invalid settings", Err: err}
	}
	if cfg.Auth == "oauth" && tokens == nil {
		return nil, freebusy.NewConfigurationError(Name, "oauth auth needs a credential provider")
	}
	if client == nil {
		client = NewClient(cfg)
	}
	if aliases == nil {
		aliases = config.DefaultTimezoneAliases()
	}
	return &Provider{logger: logger, cfg: cfg, aliases: aliases, client: client, tokens: tokens}, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) FetchBusy(ctx context.Context, q models.ProviderQuery) ([]models.Interval, error) {
	loc, err := freebusy.LoadLocation(Name, p.aliases.Normalize(q.Timezone))
	if err != nil {
		return nil, err
	}
	accountLoc, err := freebusy.LoadLocation(Name, p.aliases.Normalize(p.cfg.Timezone))
	if err != nil {
		return nil, err
	}
	if q.SubjectUID == "" {
		return nil, nil
	}

	// 24h from midnight in the account's zone, widened to cover the
	// requested day in the requested zone.
	start := q.Date.In(accountLoc)
	end := start.Add(24 * time.Hour)
	dayStart, dayEnd := freebusy.DayBounds(q.Date, loc)
	if dayStart.Before(start) {
		start = dayStart
	}
	if dayEnd.After(end) {
		end = dayEnd.Add(time.Nanosecond)
	}

	mailboxes := []mailbox{
		{Address: p.cfg.Account, AttendeeType: "Organizer"},
		{Address: q.SubjectUID + "@" + p.cfg.Domain, AttendeeType: "Optional"},
	}
	body, err := buildAvailabilityRequest(mailboxes, start, end)
	if err != nil {
		return nil, &freebusy.ProviderError{Provider: Name, Err: err}
	}

	env, err := p.call(ctx, body)
	if err != nil {
		return nil, err
	}

	ranges, err := p.busyRanges(env)
	if errors.Is(err, freebusy.ErrSubjectNotFound) {
		p.logger.Debug("Mailbox not found on Exchange.", "uid", q.SubjectUID)
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return freebusy.ClipRanges(q.Date, ranges, loc), nil
}

func (p *Provider) busyRanges(env *envelope) ([]models.AbsoluteRange, error) {
	if f := env.Body.Fault; f != nil {
		if mailboxMissingCodes[f.ResponseCode] {
			return nil, freebusy.ErrSubjectNotFound
		}
		return nil, freebusy.Errorf(Name, "soap fault %s: %s", f.Code, f.String)
	}
	if env.Body.Response == nil {
		return nil, freebusy.Errorf(Name, "response has no GetUserAvailabilityResponse")
	}

	var ranges []models.AbsoluteRange
	for _, fb := range env.Body.Response.FreeBusy {
		if fb.Message.Class == "Error" {
			if mailboxMissingCodes[fb.Message.ResponseCode] {
				return nil, freebusy.ErrSubjectNotFound
			}
			return nil, freebusy.Errorf(Name, "%s: %s", fb.Message.ResponseCode, fb.Message.Text)
		}
		if fb.View.Type != "FreeBusyMerged" {
			continue
		}
		for _, ev := range fb.View.Events {
			if !busyTypes[ev.BusyType].Unavailable() {
				continue
			}
			start, err := parseEWSTime(ev.StartTime)
			if err != nil {
				return nil, freebusy.Errorf(Name, "invalid event start %q: %w", ev.StartTime, err)
			}
			end, err := parseEWSTime(ev.EndTime)
			if err != nil {
				return nil, freebusy.Errorf(Name, "invalid event end %q: %w", ev.EndTime, err)
			}
			ranges = append(ranges, models.AbsoluteRange{Start: start, End: end})
		}
	}
	return ranges, nil
}

// call posts the SOAP request. With token auth a 401 triggers one forced
// token refresh and a single retry.
func (p *Provider) call(ctx context.Context, body []byte) (*envelope, error) {
	resp, err := p.post(ctx, body, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && p.tokens != nil {
		resp.Body.Close()
		p.logger.Info("Exchange rejected the access token, refreshing.")
		if resp, err = p.post(ctx, body, true); err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &freebusy.ProviderError{Provider: Name, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	// EWS reports SOAP faults with a 500 status, so those are decoded too.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return nil, freebusy.Errorf(Name, "unexpected status %s", resp.Status)
	}

	var env envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, freebusy.Errorf(Name, "malformed response (status %d): %w", resp.StatusCode, err)
	}
	return &env, nil
}

func (p *Provider) post(ctx context.Context, body []byte, forceToken bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Server, bytes.NewReader(body))
	if err != nil {
		return nil, &freebusy.ConfigurationError{Provider: Name, Reason: "invalid server URL", Err: err}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("User-Agent", "freebusy/1.0")

	if p.tokens != nil {
		tok, err := p.tokens.Token(ctx, forceToken)
		if err != nil {
			return nil, &freebusy.ProviderError{Provider: Name, Err: fmt.Errorf("failed to get access token: %w", err)}
		}
		if tok == nil {
			return nil, freebusy.NewConfigurationError(Name, "no cached token for the service account")
		}
		tok.SetAuthHeader(req)
	} else {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &freebusy.ProviderError{Provider: Name, Err: err}
	}
	return resp, nil
}
