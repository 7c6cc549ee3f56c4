package explorer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juan-silveira/coinage-sub004/internal/circuitbreaker"
	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
	"github.com/juan-silveira/coinage-sub004/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(baseURL string) *Client {
	c := NewClient(Config{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Timeout: 2 * time.Second,
		RPS:     1000,
		Burst:   1000,
	}, testLogger())
	c.sleepFn = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestFetchBalances_Success(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{
			"address":  "0xabc",
			"network":  "mainnet",
			"balances": map[string]string{"AZE": "100.5", "cBRL": "20"},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	snap, err := c.FetchBalances(context.Background(), "0xabc", model.NetworkMainnet)
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/api/v2/addresses/0xabc/token-balances", gotPath)
	assert.Equal(t, "network=mainnet", gotQuery)
	assert.Equal(t, model.ProvenanceLive, snap.Provenance)
	assert.Equal(t, map[string]string{"AZE": "100.5", "cBRL": "20"}, snap.Balances)
	assert.WithinDuration(t, time.Now(), snap.CapturedAt, time.Minute)
}

func TestFetchBalances_NullBalancesBecomeEmptyTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"address":"0xabc"}`))
	}))
	defer srv.Close()

	snap, err := newTestClient(srv.URL).FetchBalances(context.Background(), "0xabc", model.NetworkMainnet)
	require.NoError(t, err)
	assert.NotNil(t, snap.Balances)
	assert.True(t, snap.Empty())
}

func TestFetchBalances_UnauthorizedNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchBalances(context.Background(), "0xabc", model.NetworkMainnet)

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrUnauthorized)
	assert.Equal(t, int32(1), hits.Load(), "credential failures are not retried")
}

func TestFetchBalances_TransientFailureRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"balances":{"AZE":"1"}}`))
	}))
	defer srv.Close()

	snap, err := newTestClient(srv.URL).FetchBalances(context.Background(), "0xabc", model.NetworkMainnet)

	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, "1", snap.Balances["AZE"])
}

func TestFetchBalances_ExhaustedRetriesReturnLastError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchBalances(context.Background(), "0xabc", model.NetworkMainnet)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "http status 502")
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchBalances_MalformedJSONNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html>nope</html>"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchBalances(context.Background(), "0xabc", model.NetworkMainnet)

	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load(), "decode failures are terminal")
}

func TestFetchBalances_OpenBreakerShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.maxAttempts = 1
	// Five failed calls trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := c.FetchBalances(context.Background(), "0xabc", model.NetworkMainnet)
		require.Error(t, err)
	}
	before := hits.Load()

	_, err := c.FetchBalances(context.Background(), "0xabc", model.NetworkMainnet)

	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.True(t, retry.Classify(err).IsTransient(), "open breaker degrades to the fallback tiers")
	assert.Equal(t, before, hits.Load(), "no request leaves the process while open")
}
