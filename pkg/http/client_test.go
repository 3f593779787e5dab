package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "algotrader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions(retries int) Options {
	return Options{MaxRetries: retries, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond, BreakerDelay: time.Minute}
}

func TestHttpClient_Retry(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, 5*time.Second, nil, fastOptions(3))
	body, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHttpClient_PostBodyReplayedOnRetry(t *testing.T) {
	var attempts int32
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "k1", r.Header.Get("X-API-KEY"))
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, 5*time.Second, HeaderSigner{"X-API-KEY": "k1"}, fastOptions(2))
	_, err := client.Post(context.Background(), "/orders", map[string]string{"clientOrderId": "abc"})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(bodies[1]), &decoded))
	assert.Equal(t, "abc", decoded["clientOrderId"])
}

func TestHttpClient_NoRetryWhenDisabled(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, 5*time.Second, nil, fastOptions(0))
	_, err := client.Post(context.Background(), "/orders", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHttpClient_ClientErrorIsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"insufficient margin"}`))
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, 5*time.Second, nil, fastOptions(3))
	_, err := client.Delete(context.Background(), "/orders/x", nil)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), "insufficient margin")
}

func TestHttpClient_CircuitBreaker(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, 5*time.Second, nil, fastOptions(0))

	// 5 failures out of 10 opens the breaker
	for i := 0; i < 10; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	startAttempts := atomic.LoadInt32(&attempts)
	_, err := client.Get(context.Background(), "/", nil)
	assert.Error(t, err)
	assert.Equal(t, startAttempts, atomic.LoadInt32(&attempts), "server reached with open circuit")
}

func TestRouteOf(t *testing.T) {
	assert.Equal(t, "/v1/orders", routeOf("/v1/orders"))
	assert.Equal(t, "/v1/orders/:id", routeOf("/v1/orders/AT1772442000001"))
	assert.Equal(t, "/v2/accounts/:id/positions", routeOf("/v2/accounts/42/positions"))
}

func TestHttpClient_NotSentClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	client := NewClientWithOptions(server.URL, time.Second, nil, fastOptions(0))
	_, err := client.Post(context.Background(), "/orders", nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperrors.ErrNotSent), "a server reply means the request arrived")

	server.Close()
	_, err = client.Post(context.Background(), "/orders", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotSent)
}
