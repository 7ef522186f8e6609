// Package kopano queries an institution REST gateway that answers with one
// day of calendar entries already expressed in the requested time zone.
package kopano

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"freebusy/internal/config"
	"freebusy/internal/freebusy"
	"freebusy/internal/models"
)

// Name identifies the provider in FREE_BUSY_PROVIDERS.
const Name = "kopano"

var statuses = map[string]models.BusyStatus{
	"free":      models.StatusFree,
	"busy":      models.StatusBusy,
	"tentative": models.StatusTentative,
	"oof":       models.StatusOutOfOffice,
}

// Entry is one item of the gateway's JSON answer.
type Entry struct {
	Status string `json:"status"`
	Start  string `json:"start"`
	End    string `json:"end"`
}

// Provider queries the gateway with a static API key.
type Provider struct {
	logger *slog.Logger
	cfg    config.KopanoConfig
	client *http.Client
}

// New creates a Kopano provider. client may be nil to use the default one.
func New(logger *slog.Logger, cfg config.KopanoConfig, client *http.Client) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &freebusy.ConfigurationError{Provider: Name, Reason: "invalid settings", Err: err}
	}
	cfg.APIHost = strings.TrimRight(cfg.APIHost, "/")
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{logger: logger, cfg: cfg, client: client}, nil
}

func (p *Provider) Name() string { return Name }

// FetchBusy looks the subject up by uid. A 404 from the gateway means the
// subject is unknown.
func (p *Provider) FetchBusy(ctx context.Context, q models.ProviderQuery) ([]models.Interval, error) {
	loc, err := freebusy.LoadLocation(Name, q.Timezone)
	if err != nil {
		return nil, err
	}
	if q.SubjectUID == "" {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/indico/%s/free-busy/%s?%s",
		p.cfg.APIHost, url.PathEscape(q.SubjectUID), q.Date.String(),
		url.Values{"timezone": {q.Timezone}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &freebusy.ConfigurationError{Provider: Name, Reason: "invalid API host", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &freebusy.ProviderError{Provider: Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		p.logger.Debug("Kopano has no calendar for subject.", "uid", q.SubjectUID)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, freebusy.Errorf(Name, "unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, freebusy.Errorf(Name, "malformed response: %w", err)
	}

	ranges, err := BusyRanges(entries, loc)
	if err != nil {
		return nil, &freebusy.ProviderError{Provider: Name, Err: err}
	}
	return freebusy.ClipRanges(q.Date, ranges, loc), nil
}

// BusyRanges keeps the unavailable entries. Times without an offset are wall
// times in loc.
func BusyRanges(entries []Entry, loc *time.Location) ([]models.AbsoluteRange, error) {
	var ranges []models.AbsoluteRange
	for _, e := range entries {
		if !statuses[strings.ToLower(e.Status)].Unavailable() {
			continue
		}
		start, err := parseTime(e.Start, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid entry start %q: %w", e.Start, err)
		}
		end, err := parseTime(e.End, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid entry end %q: %w", e.End, err)
		}
		ranges = append(ranges, models.AbsoluteRange{Start: start, End: end})
	}
	return ranges, nil
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

func parseTime(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.In(loc), nil
	}
	var lastErr error
	for _, layout := range localLayouts {
		t, err := time.ParseInLocation(layout, v, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
