package credentials

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tokenServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: "client",
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func TestCachedReturnsValidToken(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits)
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "svc", &oauth2.Token{AccessToken: "cached", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour)}))

	c := NewCached(discardLogger(), oauthConfig(srv.URL), store, "svc")
	tok, err := c.Token(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "cached", tok.AccessToken)
	assert.Zero(t, hits.Load())
}

func TestCachedWithoutAccount(t *testing.T) {
	c := NewCached(discardLogger(), oauthConfig("http://unused"), NewFileStore(t.TempDir()), "nobody")
	tok, err := c.Token(context.Background(), true)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestCachedRefreshesOnceForConcurrentCallers(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits)
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "svc", &oauth2.Token{AccessToken: "stale", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)}))
	c := NewCached(discardLogger(), oauthConfig(srv.URL), store, "svc")

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.Token(ctx, false)
			assert.NoError(t, err)
			assert.Equal(t, "fresh", tok.AccessToken)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())

	persisted, err := store.Load(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "fresh", persisted.AccessToken)
	assert.Equal(t, "r1", persisted.RefreshToken, "refresh token must be kept when the endpoint does not rotate it")
}

func TestCachedForceRefresh(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits)
	store := NewFileStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "svc", &oauth2.Token{AccessToken: "revoked", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour)}))
	c := NewCached(discardLogger(), oauthConfig(srv.URL), store, "svc")

	tok, err := c.Token(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, int32(1), hits.Load())
}

func TestTokenSourceWithoutAccount(t *testing.T) {
	c := NewCached(discardLogger(), oauthConfig("http://unused"), NewFileStore(t.TempDir()), "nobody")
	_, err := TokenSource(context.Background(), c).Token()
	assert.ErrorContains(t, err, "auth")
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "freebusy:token:")
	ctx := context.Background()

	tok, err := store.Load(ctx, "svc")
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, store.Save(ctx, "svc", &oauth2.Token{AccessToken: "a", RefreshToken: "r"}))
	assert.True(t, mr.Exists("freebusy:token:svc"))

	tok, err = store.Load(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)
	assert.Equal(t, "r", tok.RefreshToken)
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())
	require.NoError(t, store.Save(context.Background(), "svc", &oauth2.Token{AccessToken: "a"}))
	tok, err := store.Load(context.Background(), "svc")
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)

	_, err = NewFileStore(t.TempDir()).Load(context.Background(), "missing")
	assert.NoError(t, err)
}
