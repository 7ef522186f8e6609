package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"freebusy/internal/freebusy"
	"freebusy/internal/models"
)

const defaultProviderTimeout = 10 * time.Second

// Aggregator collects the busy times of one subject from every configured
// provider and merges them into a single list.
type Aggregator struct {
	logger          *slog.Logger
	providers       []freebusy.Provider
	providerTimeout time.Duration
}

type Option func(*Aggregator)

// WithProviderTimeout bounds every single provider call.
func WithProviderTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.providerTimeout = d
		}
	}
}

// New creates an Aggregator over a fixed list of providers.
func New(logger *slog.Logger, providers []freebusy.Provider, opts ...Option) *Aggregator {
	a := &Aggregator{
		logger:          logger,
		providers:       append([]freebusy.Provider(nil), providers...),
		providerTimeout: defaultProviderTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Providers returns the names of the configured providers in order.
func (a *Aggregator) Providers() []string {
	names := make([]string, len(a.providers))
	for i, p := range a.providers {
		names[i] = p.Name()
	}
	return names
}

// BusyTimes returns the merged busy intervals of the subject on date, in
// timezone. The result is sorted, non-overlapping and has no zero-width
// entries.
//
// If any provider fails the whole call fails; a partial result is never
// returned. A subject missing from a backend is not a failure.
func (a *Aggregator) BusyTimes(ctx context.Context, date civil.Date, timezone, uid, email string) ([]models.Interval, error) {
	if _, err := freebusy.LoadLocation("aggregator", timezone); err != nil {
		return nil, err
	}

	q := models.ProviderQuery{
		Date:         date,
		Timezone:     timezone,
		SubjectUID:   uid,
		SubjectEmail: email,
	}
	logger := a.logger.With("request", uuid.NewString(), "date", date.String(), "tz", timezone, "subject", q.Subject())
	logger.Debug("Fetching busy times.", "providers", len(a.providers))

	results := make([][]models.Interval, len(a.providers))

	if len(a.providers) == 1 {
		busy, err := a.fetch(ctx, logger, a.providers[0], q)
		if err != nil {
			return nil, err
		}
		results[0] = busy
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for i, p := range a.providers {
			g.Go(func() error {
				busy, err := a.fetch(gctx, logger, p, q)
				if err != nil {
					return err
				}
				results[i] = busy
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	var all []models.Interval
	for _, busy := range results {
		all = append(all, busy...)
	}
	merged := freebusy.DropZeroWidth(freebusy.MergeUnion(all))
	logger.Debug("Merged busy times.", "raw", len(all), "merged", len(merged))
	return merged, nil
}

// fetch runs one provider under its own timeout and classifies its error.
func (a *Aggregator) fetch(parent context.Context, logger *slog.Logger, p freebusy.Provider, q models.ProviderQuery) ([]models.Interval, error) {
	ctx, cancel := context.WithTimeout(parent, a.providerTimeout)
	defer cancel()

	start := time.Now()
	busy, err := p.FetchBusy(ctx, q)
	logger = logger.With("provider", p.Name(), "elapsed", time.Since(start))

	if err == nil {
		logger.Debug("Provider returned busy times.", "count", len(busy))
		return busy, nil
	}

	var cfgErr *freebusy.ConfigurationError
	var provErr *freebusy.ProviderError
	switch {
	case errors.Is(err, freebusy.ErrSubjectNotFound):
		logger.Debug("Subject not found on provider, skipping.")
		return nil, nil
	case errors.As(err, &cfgErr):
		logger.Error("Provider is misconfigured.", "error", err)
		return nil, err
	case parent.Err() != nil:
		// the caller gave up or its own deadline passed first
		logger.Debug("Request ended before provider answered.", "error", parent.Err())
		return nil, parent.Err()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		logger.Error("Provider timed out.", "timeout", a.providerTimeout)
		return nil, &freebusy.ProviderError{Provider: p.Name(), Err: fmt.Errorf("timed out after %s: %w", a.providerTimeout, context.DeadlineExceeded)}
	case errors.As(err, &provErr):
		logger.Error("Provider failed.", "error", err)
		return nil, err
	default:
		logger.Error("Provider failed.", "error", err)
		return nil, &freebusy.ProviderError{Provider: p.Name(), Err: err}
	}
}
