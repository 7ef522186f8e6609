package kopano

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freebusy/internal/config"
	"freebusy/internal/freebusy"
	"freebusy/internal/models"
)

var testDate = civil.Date{Year: 2024, Month: time.March, Day: 14}

func newProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)),
		config.KopanoConfig{APIHost: srv.URL + "/", APIKey: "k3y"}, srv.Client())
	require.NoError(t, err)
	return p
}

func TestFetchBusy(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/indico/jdoe/free-busy/2024-03-14", r.URL.Path)
		assert.Equal(t, "Europe/Zurich", r.URL.Query().Get("timezone"))
		assert.Equal(t, "Bearer k3y", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"status": "busy", "start": "2024-03-14T09:00:00", "end": "2024-03-14T10:00:00"},
			{"status": "free", "start": "2024-03-14T11:00:00", "end": "2024-03-14T12:00:00"},
			{"status": "tentative", "start": "2024-03-14T12:00:00+00:00", "end": "2024-03-14T12:30:00+00:00"},
			{"status": "oof", "start": "2024-03-14T18:00:00", "end": "2024-03-14T23:59:00"},
			{"status": "workingElsewhere", "start": "2024-03-14T07:00:00", "end": "2024-03-14T08:00:00"}
		]`)
	})

	busy, err := p.FetchBusy(context.Background(), models.ProviderQuery{
		Date: testDate, Timezone: "Europe/Zurich", SubjectUID: "jdoe",
	})

	require.NoError(t, err)
	assert.Equal(t, []models.Interval{
		models.NewInterval(9, 0, 10, 0),
		models.NewInterval(13, 0, 13, 30),
		models.NewInterval(18, 0, 23, 59),
	}, busy)
}

func TestFetchBusyNotFound(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	busy, err := p.FetchBusy(context.Background(), models.ProviderQuery{
		Date: testDate, Timezone: "UTC", SubjectUID: "ghost",
	})
	require.NoError(t, err)
	assert.Empty(t, busy)
}

func TestFetchBusyFailures(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"forbidden": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad key", http.StatusForbidden)
		},
		"malformed json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"status":`)
		},
		"bad time": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `[{"status": "busy", "start": "nine", "end": "2024-03-14T10:00:00"}]`)
		},
	}

	for name, handler := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := newProvider(t, handler).FetchBusy(context.Background(), models.ProviderQuery{
				Date: testDate, Timezone: "UTC", SubjectUID: "jdoe",
			})
			var provErr *freebusy.ProviderError
			assert.ErrorAs(t, err, &provErr)
		})
	}
}

func TestBusyRanges(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	ranges, err := BusyRanges([]Entry{
		{Status: "BUSY", Start: "2024-03-14T09:00", End: "2024-03-14 10:00:00"},
		{Status: "free", Start: "garbage", End: "garbage"},
	}, loc)

	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, time.Date(2024, 3, 14, 9, 0, 0, 0, loc), ranges[0].Start)
	assert.Equal(t, time.Date(2024, 3, 14, 10, 0, 0, 0, loc), ranges[0].End)
}

func TestNewRequiresSettings(t *testing.T) {
	_, err := New(slog.Default(), config.KopanoConfig{APIHost: "https://kopano.example.com"}, nil)
	var cfgErr *freebusy.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "KOPANO_API_KEY")
}
