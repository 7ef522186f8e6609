// Package google reads busy times from the Google Calendar free/busy API.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"freebusy/internal/config"
	"freebusy/internal/credentials"
	"freebusy/internal/freebusy"
	"freebusy/internal/models"
)

// Name identifies the provider in FREE_BUSY_PROVIDERS.
const Name = "google"

// Provider queries the free/busy information visible to the authorized account.
type Provider struct {
	service *calendar.Service
	logger  *slog.Logger
}

// New creates a Google provider authenticated through tokens. Extra client
// options are appended last so callers can override the HTTP client or the
// endpoint.
func New(ctx context.Context, logger *slog.Logger, tokens credentials.Provider, opts ...option.ClientOption) (*Provider, error) {
	if tokens == nil {
		return nil, freebusy.NewConfigurationError(Name, "no credential provider")
	}
	opts = append([]option.ClientOption{option.WithTokenSource(credentials.TokenSource(ctx, tokens))}, opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, &freebusy.ConfigurationError{Provider: Name, Reason: "failed to create calendar service", Err: err}
	}
	return &Provider{service: service, logger: logger}, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) FetchBusy(ctx context.Context, q models.ProviderQuery) ([]models.Interval, error) {
	loc, err := freebusy.LoadLocation(Name, q.Timezone)
	if err != nil {
		return nil, err
	}
	if q.SubjectEmail == "" {
		return nil, nil
	}

	dayStart, dayEnd := freebusy.DayBounds(q.Date, loc)
	p.logger.Debug("Querying Google free/busy", "email", q.SubjectEmail, "date", q.Date)

	resp, err := p.service.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin:  dayStart.AddDate(0, 0, -1).Format(time.RFC3339),
		TimeMax:  dayEnd.AddDate(0, 0, 1).Format(time.RFC3339),
		TimeZone: q.Timezone,
		Items:    []*calendar.FreeBusyRequestItem{{Id: q.SubjectEmail}},
	}).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, freebusy.Errorf(Name, "failed to query free/busy: %w", err)
	}

	ranges, err := busyRanges(resp, q.SubjectEmail)
	if errors.Is(err, freebusy.ErrSubjectNotFound) {
		p.logger.Debug("Google has no calendar for subject.", "email", q.SubjectEmail)
		return nil, nil
	} else if err != nil {
		return nil, &freebusy.ProviderError{Provider: Name, Err: err}
	}
	return freebusy.ClipRanges(q.Date, ranges, loc), nil
}

func busyRanges(resp *calendar.FreeBusyResponse, email string) ([]models.AbsoluteRange, error) {
	cal, ok := resp.Calendars[email]
	if !ok {
		return nil, freebusy.ErrSubjectNotFound
	}
	for _, e := range cal.Errors {
		if e.Reason == "notFound" {
			return nil, freebusy.ErrSubjectNotFound
		}
		return nil, fmt.Errorf("calendar error %s in %s", e.Reason, e.Domain)
	}

	ranges := make([]models.AbsoluteRange, 0, len(cal.Busy))
	for _, b := range cal.Busy {
		start, err := time.Parse(time.RFC3339, b.Start)
		if err != nil {
			return nil, fmt.Errorf("invalid busy start %q: %w", b.Start, err)
		}
		end, err := time.Parse(time.RFC3339, b.End)
		if err != nil {
			return nil, fmt.Errorf("invalid busy end %q: %w", b.End, err)
		}
		ranges = append(ranges, models.AbsoluteRange{Start: start, End: end})
	}
	return ranges, nil
}

// OAuthConfig returns the config used both by the consent flow and for token refreshes.
func OAuthConfig(cfg config.GoogleConfig) (*oauth2.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &freebusy.ConfigurationError{Provider: Name, Reason: "invalid settings", Err: err}
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		Scopes:       []string{calendar.CalendarReadonlyScope},
		Endpoint:     google.Endpoint,
	}, nil
}

// TokenFromWeb exchanges the authorization code pasted by the user.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	tok, err := config.Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return tok, nil
}
