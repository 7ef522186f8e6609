// Package caldav reads busy times directly from the calendar collections of a
// CalDAV server, expanding recurring events on the client side.
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/teambition/rrule-go"

	"freebusy/internal/config"
	"freebusy/internal/freebusy"
	"freebusy/internal/models"
)

// Name identifies the provider in FREE_BUSY_PROVIDERS.
const Name = "caldav"

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "freebusy/1.0")
	resp, err := t.Transport.RoundTrip(req)
	if rec, ok := req.Context().Value(statusKey{}).(*statusRecorder); ok && resp != nil {
		rec.set(resp.StatusCode)
	}
	return resp, err
}

type statusKey struct{}

// statusRecorder keeps the last response status seen under a context, since
// the caldav client does not export the status of a failed request.
type statusRecorder struct {
	mu   sync.Mutex
	code int
}

func (r *statusRecorder) set(code int) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

func (r *statusRecorder) status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

// Provider reads the calendars under each subject's calendar home set.
type Provider struct {
	client  *caldav.Client
	logger  *slog.Logger
	homeSet string
}

// New creates a CalDAV provider. transport may be nil to use the default one.
func New(logger *slog.Logger, cfg config.CalDAVConfig, transport http.RoundTripper) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &freebusy.ConfigurationError{Provider: Name, Reason: "invalid settings", Err: err}
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient := &http.Client{Transport: &customTransport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	}}

	client, err := caldav.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, &freebusy.ConfigurationError{Provider: Name, Reason: "failed to create caldav client", Err: err}
	}
	return &Provider{client: client, logger: logger, homeSet: cfg.HomeSetTemplate}, nil
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
	windowStart, windowEnd := dayStart.AddDate(0, 0, -1), dayEnd.AddDate(0, 0, 1)

	homeSet := strings.ReplaceAll(p.homeSet, "{email}", url.PathEscape(q.SubjectEmail))
	rec := &statusRecorder{}
	calendars, err := p.client.FindCalendars(context.WithValue(ctx, statusKey{}, rec), homeSet)
	if err != nil {
		if rec.status() == http.StatusNotFound {
			p.logger.Debug("No calendar home set for subject.", "email", q.SubjectEmail, "path", homeSet)
			return nil, nil
		}
		return nil, freebusy.Errorf(Name, "failed to find calendars: %w", err)
	}

	var ranges []models.AbsoluteRange
	for _, cal := range calendars {
		if len(cal.SupportedComponentSet) > 0 && !slices.Contains(cal.SupportedComponentSet, ical.CompEvent) {
			continue
		}
		objects, err := p.client.QueryCalendar(ctx, cal.Path, eventQuery(windowStart, windowEnd))
		if err != nil {
			return nil, freebusy.Errorf(Name, "failed to query calendar %s: %w", cal.Path, err)
		}
		p.logger.Debug("Queried calendar", "path", cal.Path, "objects", len(objects))

		cals := make([]*ical.Calendar, 0, len(objects))
		for _, obj := range objects {
			if obj.Data != nil {
				cals = append(cals, obj.Data)
			}
		}
		found, err := BusyRanges(cals, windowStart, windowEnd, loc)
		if err != nil {
			return nil, &freebusy.ProviderError{Provider: Name, Err: err}
		}
		ranges = append(ranges, found...)
	}
	return freebusy.ClipRanges(q.Date, ranges, loc), nil
}

func eventQuery(start, end time.Time) *caldav.CalendarQuery {
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}
}

// BusyRanges returns the occupied ranges of every event in cals that overlaps
// [start, end). Recurring events are expanded and overridden instances
// replace the occurrence they belong to. Floating and all-day times are read
// in loc.
func BusyRanges(cals []*ical.Calendar, start, end time.Time, loc *time.Location) ([]models.AbsoluteRange, error) {
	var events []ical.Event
	overridden := make(map[string]map[int64]bool)
	for _, cal := range cals {
		for _, ev := range cal.Events() {
			events = append(events, ev)
			prop := ev.Props.Get(ical.PropRecurrenceID)
			if prop == nil {
				continue
			}
			rid, err := prop.DateTime(loc)
			if err != nil {
				return nil, fmt.Errorf("invalid RECURRENCE-ID: %w", err)
			}
			uid := propValue(ev.Component, ical.PropUID)
			if overridden[uid] == nil {
				overridden[uid] = make(map[int64]bool)
			}
			overridden[uid][rid.Unix()] = true
		}
	}

	var ranges []models.AbsoluteRange
	for _, ev := range events {
		if statusOf(ev.Component) == models.StatusFree {
			continue
		}
		evStart, err := ev.DateTimeStart(loc)
		if err != nil {
			return nil, fmt.Errorf("invalid DTSTART: %w", err)
		}
		duration, err := eventDuration(ev, evStart, loc)
		if err != nil {
			return nil, err
		}

		set, err := ev.RecurrenceSet(loc)
		if err != nil {
			return nil, fmt.Errorf("invalid recurrence rule: %w", err)
		}
		if set == nil || ev.Props.Get(ical.PropRecurrenceID) != nil {
			if evStart.Before(end) && evStart.Add(duration).After(start) {
				ranges = append(ranges, models.AbsoluteRange{Start: evStart, End: evStart.Add(duration)})
			}
			continue
		}

		skip := overridden[propValue(ev.Component, ical.PropUID)]
		for _, occ := range occurrences(set, start, end, duration) {
			if !skip[occ.Unix()] {
				ranges = append(ranges, models.AbsoluteRange{Start: occ, End: occ.Add(duration)})
			}
		}
	}
	return ranges, nil
}

// occurrences returns the starts of the instances overlapping [start, end).
func occurrences(set *rrule.Set, start, end time.Time, duration time.Duration) []time.Time {
	var out []time.Time
	for _, occ := range set.Between(start.Add(-duration), end, true) {
		if occ.Add(duration).After(start) && occ.Before(end) {
			out = append(out, occ)
		}
	}
	return out
}

func eventDuration(ev ical.Event, evStart time.Time, loc *time.Location) (time.Duration, error) {
	if ev.Props.Get(ical.PropDateTimeEnd) != nil {
		evEnd, err := ev.DateTimeEnd(loc)
		if err != nil {
			return 0, fmt.Errorf("invalid DTEND: %w", err)
		}
		return evEnd.Sub(evStart), nil
	}
	if prop := ev.Props.Get(ical.PropDuration); prop != nil {
		d, err := prop.Duration()
		if err != nil {
			return 0, fmt.Errorf("invalid DURATION: %w", err)
		}
		return d, nil
	}
	// A date-only DTSTART without an end lasts the whole day.
	if prop := ev.Props.Get(ical.PropDateTimeStart); prop != nil && prop.ValueType() == ical.ValueDate {
		return evStart.AddDate(0, 0, 1).Sub(evStart), nil
	}
	return 0, nil
}

// statusOf maps an event to the availability it implies for its attendees.
func statusOf(comp *ical.Component) models.BusyStatus {
	if strings.EqualFold(propValue(comp, ical.PropTransparency), "TRANSPARENT") {
		return models.StatusFree
	}
	switch strings.ToUpper(propValue(comp, ical.PropStatus)) {
	case "CANCELLED":
		return models.StatusFree
	case "TENTATIVE":
		return models.StatusTentative
	}
	return models.StatusBusy
}

func propValue(comp *ical.Component, name string) string {
	if prop := comp.Props.Get(name); prop != nil {
		return prop.Value
	}
	return ""
}
