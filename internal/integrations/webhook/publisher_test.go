package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
)

func TestPublishRetriesAndSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		assert.Equal(t, "evt-1", r.Header.Get("X-Idempotency-Key"))
		var got domain.Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, domain.EventTradeExecuted, got.Type)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream error"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPublisher(srv.URL, 2*time.Second, 3, 5*time.Millisecond, 20*time.Millisecond, nil)
	err := p.Publish(context.Background(), domain.Event{ID: "evt-1", Type: domain.EventTradeExecuted})
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestPublishFailsAfterMaxRetries(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewPublisher(srv.URL, 2*time.Second, 2, 5*time.Millisecond, 20*time.Millisecond, nil)
	err := p.Publish(context.Background(), domain.Event{ID: "evt-fail", Type: domain.EventTickFailed})
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts)) // initial + 2 retries
}

func TestPublishDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewPublisher(srv.URL, time.Second, 3, time.Millisecond, time.Millisecond, nil)
	err := p.Publish(context.Background(), domain.Event{ID: "evt-2", Type: domain.EventGuardrailVetoed})
	assert.ErrorContains(t, err, "status 400")
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestPublishSkipsFilteredAndUnconfigured(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
	}))
	defer srv.Close()

	p := NewPublisher(srv.URL, time.Second, 0, 0, 0, nil).Only(domain.EventTradeExecuted)
	require.NoError(t, p.Publish(context.Background(), domain.Event{ID: "e", Type: domain.EventTickFailed}))
	assert.Zero(t, atomic.LoadInt32(&attempts))

	off := NewPublisher("", time.Second, 0, 0, 0, nil)
	assert.NoError(t, off.Publish(context.Background(), domain.Event{ID: "e", Type: domain.EventTradeExecuted}))
}
