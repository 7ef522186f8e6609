// Package random is a free/busy provider that invents plausible busy times.
// The same date and subject always yield the same result, which makes it
// useful for demos and integration tests.
package random

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"cloud.google.com/go/civil"

	"freebusy/internal/freebusy"
	"freebusy/internal/models"
)

// Name identifies the provider in FREE_BUSY_PROVIDERS.
const Name = "random"

// Provider generates busy times without contacting any backend.
type Provider struct{}

// New creates a random provider.
func New() *Provider { return &Provider{} }

func (p *Provider) Name() string { return Name }

// FetchBusy returns the generated busy times of the subject, clipped to the
// query day.
func (p *Provider) FetchBusy(_ context.Context, q models.ProviderQuery) ([]models.Interval, error) {
	loc, err := freebusy.LoadLocation(Name, q.Timezone)
	if err != nil {
		return nil, err
	}

	key := q.SubjectUID
	if key == "" {
		key = q.SubjectEmail
	}

	// Neighbouring days are included since converting to loc may move their
	// ranges onto the requested day.
	var ranges []models.AbsoluteRange
	for _, offset := range []int{-1, 0, 1} {
		ranges = append(ranges, Generate(q.Date.AddDays(offset), key)...)
	}
	return freebusy.ClipRanges(q.Date, ranges, loc), nil
}

// Generate returns the UTC busy ranges of key on day.
func Generate(day civil.Date, key string) []models.AbsoluteRange {
	rnd := newRand(day.String() + key)
	at := func(hour, minute int) time.Time {
		return time.Date(day.Year, day.Month, day.Day, hour, minute, 0, 0, time.UTC)
	}

	if between(rnd, 0, 1) == 1 {
		start := between(rnd, 4, 19)
		end := between(rnd, start+1, 21)
		return []models.AbsoluteRange{{Start: at(start, 0), End: at(end, 0)}}
	}

	start := between(rnd, 5, 8)
	end := between(rnd, start+1, start+3)
	start2 := between(rnd, 12, 14)
	end2 := between(rnd, start2+1, start2+5)
	return []models.AbsoluteRange{
		{Start: at(start, 30*between(rnd, 0, 1)), End: at(end, 30*between(rnd, 0, 1))},
		{Start: at(start2, 15*between(rnd, 0, 1)), End: at(end2, 0)},
	}
}

func newRand(seed string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(seed))
	sum := h.Sum64()
	return rand.New(rand.NewPCG(sum, sum>>1|1))
}

// between returns a number in [lo, hi].
func between(rnd *rand.Rand, lo, hi int) int {
	return lo + rnd.IntN(hi-lo+1)
}
