// Package ox reads free/busy data from an Open-Xchange server, which exposes
// it as a plain text feed of FREEBUSY lines.
package ox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"freebusy/internal/config"
	"freebusy/internal/freebusy"
	"freebusy/internal/models"
)

// Name identifies the provider in FREE_BUSY_PROVIDERS.
const Name = "ox"

const timeLayout = "20060102T150405Z0700"

// Provider queries the OX free/busy servlet with basic auth.
type Provider struct {
	logger *slog.Logger
	cfg    config.OXConfig
	client *http.Client
	now    func() time.Time
}

// New creates an OX provider. client may be nil to use the default one.
func New(logger *slog.Logger, cfg config.OXConfig, client *http.Client) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &freebusy.ConfigurationError{Provider: Name, Reason: "invalid settings", Err: err}
	}
	if cfg.MaxWeeks <= 0 {
		cfg.MaxWeeks = 4
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{logger: logger, cfg: cfg, client: client, now: time.Now}, nil
}

func (p *Provider) Name() string { return Name }

// FetchBusy reads the feed of the subject's email address.
func (p *Provider) FetchBusy(ctx context.Context, q models.ProviderQuery) ([]models.Interval, error) {
	loc, err := freebusy.LoadLocation(Name, q.Timezone)
	if err != nil {
		return nil, err
	}

	userName, server, ok := strings.Cut(q.SubjectEmail, "@")
	if !ok || userName == "" || server == "" {
		p.logger.Debug("No usable email for OX lookup.", "email", q.SubjectEmail)
		return nil, nil
	}

	weeks := WeeksToFetch(p.now(), q.Date)
	if weeks > p.cfg.MaxWeeks {
		p.logger.Debug("Date is beyond the OX lookahead.", "weeks", weeks, "max", p.cfg.MaxWeeks)
		return nil, nil
	}

	params := url.Values{}
	params.Set("contextId", p.cfg.ContextID)
	params.Set("userName", userName)
	params.Set("server", server)
	params.Set("weeksIntoFuture", strconv.Itoa(weeks))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &freebusy.ConfigurationError{Provider: Name, Reason: "invalid URL", Err: err}
	}
	req.SetBasicAuth(p.cfg.Username, p.cfg.Password)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &freebusy.ProviderError{Provider: Name, Err: err}
	}
	defer resp.Body.Close()

	// OX answers unknown users with an error status.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Debug("OX has no free/busy data for subject.", "email", q.SubjectEmail, "status", resp.StatusCode)
		return nil, nil
	}

	ranges, err := ParseFreeBusy(resp.Body)
	if err != nil {
		return nil, &freebusy.ProviderError{Provider: Name, Err: err}
	}
	return freebusy.ClipRanges(q.Date, ranges, loc), nil
}

// WeeksToFetch returns the weeksIntoFuture parameter needed to cover date.
// OX cuts the feed off at the start of the last day, so one extra week is
// always requested.
func WeeksToFetch(now time.Time, date civil.Date) int {
	days := date.DaysSince(civil.DateOf(now))
	weeks := int(math.Ceil(float64(days) / 7))
	if weeks < 1 {
		weeks = 1
	}
	return weeks + 1
}

var fbTypes = map[string]models.BusyStatus{
	"FREE":             models.StatusFree,
	"BUSY":             models.StatusBusy,
	"BUSY-TENTATIVE":   models.StatusTentative,
	"BUSY-UNAVAILABLE": models.StatusOutOfOffice,
}

// ParseFreeBusy extracts the busy ranges from a free/busy feed. Only
// BUSY, BUSY-TENTATIVE and BUSY-UNAVAILABLE entries are returned; free
// entries and unrelated lines are ignored.
func ParseFreeBusy(r io.Reader) ([]models.AbsoluteRange, error) {
	var ranges []models.AbsoluteRange
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		params, value, ok := strings.Cut(line, ":")
		if !ok || !strings.HasPrefix(params, "FREEBUSY;") {
			continue
		}
		if !fbTypes[fbType(params)].Unavailable() {
			continue
		}
		startText, endText, ok := strings.Cut(value, "/")
		if !ok {
			continue
		}
		start, err := time.Parse(timeLayout, startText)
		if err != nil {
			return nil, fmt.Errorf("invalid free/busy start in %q: %w", line, err)
		}
		end, err := time.Parse(timeLayout, endText)
		if err != nil {
			return nil, fmt.Errorf("invalid free/busy end in %q: %w", line, err)
		}
		ranges = append(ranges, models.AbsoluteRange{Start: start, End: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read free/busy feed: %w", err)
	}
	return ranges, nil
}

// fbType returns the FBTYPE parameter of a FREEBUSY property.
func fbType(params string) string {
	for _, param := range strings.Split(params, ";")[1:] {
		if name, value, ok := strings.Cut(param, "="); ok && strings.EqualFold(name, "FBTYPE") {
			return strings.ToUpper(value)
		}
	}
	return ""
}
