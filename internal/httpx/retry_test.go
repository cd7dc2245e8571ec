package httpx

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

	"github.com/stretchr/testify/require"
)

func getJSON(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, 2, 0)
	c.Backoff = time.Millisecond
	var out struct{ OK bool }
	err := c.Do(context.Background(), getJSON(srv.URL), func(r io.Reader) error { return json.NewDecoder(r).Decode(&out) })
	require.NoError(t, err)
	require.True(t, out.OK)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDoGivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(time.Second, 1, 0)
	c.Backoff = time.Millisecond
	err := c.Do(context.Background(), getJSON(srv.URL), nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadGateway, se.Code)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(time.Second, 3, 0)
	err := c.Do(context.Background(), getJSON(srv.URL), nil)
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDoPerAttemptTimeoutRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(50*time.Millisecond, 1, 0)
	c.Backoff = time.Millisecond
	require.NoError(t, c.Do(context.Background(), getJSON(srv.URL), nil))
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
