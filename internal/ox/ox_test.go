package ox

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freebusy/internal/config"
	"freebusy/internal/freebusy"
	"freebusy/internal/models"
)

const feed = `BEGIN:VCALENDAR
BEGIN:VFREEBUSY
FREEBUSY;FBTYPE=BUSY:20240314T080000Z/20240314T090000Z
FREEBUSY;FBTYPE=FREE:20240314T100000Z/20240314T110000Z
FREEBUSY;FBTYPE=BUSY-TENTATIVE:20240314T120000+0100/20240314T123000+0100
FREEBUSY;FBTYPE=BUSY-UNAVAILABLE:20240314T223000Z/20240315T020000Z
FREEBUSY;FBTYPE=BUSY:20240316T080000Z/20240316T090000Z
FREEBUSY;FBTYPE=BUSY
END:VFREEBUSY
END:VCALENDAR
`

var (
	testDate = civil.Date{Year: 2024, Month: time.March, Day: 14}
	testNow  = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProvider(t *testing.T, srv *httptest.Server, maxWeeks int) *Provider {
	t.Helper()
	p, err := New(testLogger(), config.OXConfig{
		URL:       srv.URL + "/ajax/freebusy",
		Username:  "oxadmin",
		Password:  "secret",
		ContextID: "42",
		MaxWeeks:  maxWeeks,
	}, srv.Client())
	require.NoError(t, err)
	p.now = func() time.Time { return testNow }
	return p
}

func TestFetchBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "oxadmin", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/ajax/freebusy", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("contextId"))
		assert.Equal(t, "jdoe", r.URL.Query().Get("userName"))
		assert.Equal(t, "example.com", r.URL.Query().Get("server"))
		assert.Equal(t, "3", r.URL.Query().Get("weeksIntoFuture"))
		_, _ = io.WriteString(w, feed)
	}))
	defer srv.Close()

	busy, err := newProvider(t, srv, 4).FetchBusy(context.Background(), models.ProviderQuery{
		Date: testDate, Timezone: "Europe/Zurich", SubjectUID: "jdoe", SubjectEmail: "jdoe@example.com",
	})

	require.NoError(t, err)
	assert.Equal(t, []models.Interval{
		models.NewInterval(9, 0, 10, 0),
		models.NewInterval(12, 0, 12, 30),
		models.NewInterval(23, 30, 23, 59),
	}, busy)
}

func TestFetchBusyBeyondLookahead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	busy, err := newProvider(t, srv, 2).FetchBusy(context.Background(), models.ProviderQuery{
		Date: testDate, Timezone: "UTC", SubjectEmail: "jdoe@example.com",
	})
	require.NoError(t, err)
	assert.Empty(t, busy)
}

func TestFetchBusyUnknownUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such user", http.StatusNotFound)
	}))
	defer srv.Close()

	busy, err := newProvider(t, srv, 4).FetchBusy(context.Background(), models.ProviderQuery{
		Date: testDate, Timezone: "UTC", SubjectEmail: "ghost@example.com",
	})
	require.NoError(t, err)
	assert.Empty(t, busy)
}

func TestFetchBusyWithoutEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	busy, err := newProvider(t, srv, 4).FetchBusy(context.Background(), models.ProviderQuery{
		Date: testDate, Timezone: "UTC", SubjectUID: "jdoe",
	})
	require.NoError(t, err)
	assert.Empty(t, busy)
}

func TestFetchBusyMalformedTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "FREEBUSY;FBTYPE=BUSY:2024-03-14 08:00/20240314T090000Z\n")
	}))
	defer srv.Close()

	_, err := newProvider(t, srv, 4).FetchBusy(context.Background(), models.ProviderQuery{
		Date: testDate, Timezone: "UTC", SubjectEmail: "jdoe@example.com",
	})
	var provErr *freebusy.ProviderError
	assert.ErrorAs(t, err, &provErr)
}

func TestWeeksToFetch(t *testing.T) {
	now := time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		date civil.Date
		want int
	}{
		{civil.Date{Year: 2024, Month: time.March, Day: 14}, 2},
		{civil.Date{Year: 2024, Month: time.March, Day: 15}, 2},
		{civil.Date{Year: 2024, Month: time.March, Day: 21}, 2},
		{civil.Date{Year: 2024, Month: time.March, Day: 22}, 3},
		{civil.Date{Year: 2024, Month: time.April, Day: 11}, 5},
		{civil.Date{Year: 2024, Month: time.March, Day: 1}, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WeeksToFetch(now, tt.date), tt.date.String())
	}
}

func TestParseFreeBusy(t *testing.T) {
	ranges, err := ParseFreeBusy(strings.NewReader(feed))
	require.NoError(t, err)
	require.Len(t, ranges, 4)
	assert.True(t, ranges[0].Start.Equal(time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)))
	assert.True(t, ranges[1].Start.Equal(time.Date(2024, 3, 14, 11, 0, 0, 0, time.UTC)))

	ranges, err = ParseFreeBusy(strings.NewReader("FREEBUSY;fbtype=busy-tentative:20240314T080000Z/20240314T090000Z"))
	require.NoError(t, err)
	assert.Len(t, ranges, 1)
}

func TestNewRequiresSettings(t *testing.T) {
	_, err := New(testLogger(), config.OXConfig{URL: "https://ox.example.com"}, nil)
	var cfgErr *freebusy.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
