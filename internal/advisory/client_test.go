package advisory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(url string) *Client {
	return NewClient(ClientConfig{
		URL:           url,
		ExecutorID:    "exec-1",
		APIKey:        "key",
		APISecret:     "secret",
		Timeout:       time.Second,
		MaxAttempts:   3,
		RetryInterval: 5 * time.Millisecond,
	}, zerolog.Nop())
}

func TestClientPostsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/executor/exec-1/supervisor/evaluate", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Secret"))

		var req evaluateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "EURUSD", req.Context.Symbol)
		assert.Equal(t, int64(1000), req.TimeoutMs)

		_, _ = w.Write([]byte(`{"action":"deny","reason":"news","ttlMs":5000,"risks":["news"]}`))
	}))
	defer srv.Close()

	d, err := testClient(srv.URL + "/").Evaluate(context.Background(), proposal)
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, d.Action)
	assert.Equal(t, 5*time.Second, d.TTL())
	assert.Equal(t, []string{"news"}, d.Risks)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"action":"allow"}`))
	}))
	defer srv.Close()

	d, err := testClient(srv.URL).Evaluate(context.Background(), proposal)
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, d.Action)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Evaluate(context.Background(), proposal)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Evaluate(context.Background(), proposal)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClientRejectsUnknownAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"action":"maybe"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Evaluate(context.Background(), proposal)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClientClampsScore(t *testing.T) {
	for body, want := range map[string]float64{
		`{"action":"allow","score":1.7}`:  1,
		`{"action":"allow","score":-0.2}`: 0,
		`{"action":"allow","score":0.42}`: 0.42,
	} {
		body := body
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		d, err := testClient(srv.URL).Evaluate(context.Background(), proposal)
		srv.Close()
		require.NoError(t, err, body)
		require.NotNil(t, d.Score, body)
		assert.InDelta(t, want, *d.Score, 1e-9, body)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"action":"deny"}`))
	}))
	defer srv.Close()
	d, err := testClient(srv.URL).Evaluate(context.Background(), proposal)
	require.NoError(t, err)
	assert.Nil(t, d.Score)
}
