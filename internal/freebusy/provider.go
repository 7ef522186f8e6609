// Package freebusy holds the provider-agnostic part of the busy time engine:
// the adapter contract, the day clipper and the interval merge.
package freebusy

import (
	"context"

	"freebusy/internal/models"
)

// Provider fetches the busy intervals of one subject from one calendar backend.
//
// Implementations return intervals already clipped to q.Date and expressed in
// q.Timezone. Zero-width intervals are allowed. A subject that does not exist
// on the backend is not an error: the adapter returns an empty result.
type Provider interface {
	Name() string
	FetchBusy(ctx context.Context, q models.ProviderQuery) ([]models.Interval, error)
}
