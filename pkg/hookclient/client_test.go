package hookclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Do_PostsJSON(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(nil, nil)
	resp, err := c.Do(context.Background(), Request{
		URL:     srv.URL + "/hook",
		Headers: map[string]string{"X-Token": "abc"},
		Body:    map[string]interface{}{"invoice": "INV-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, resp.Body)
	assert.Equal(t, "INV-1", got["invoice"])
}

func TestClient_Do_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(nil, nil)
	resp, err := c.Do(context.Background(), Request{Method: "put", URL: srv.URL})
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.False(t, se.Retryable())
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClient_Do_InvalidURL(t *testing.T) {
	c := NewClient(nil, nil)
	for _, u := range []string{"", "ftp://host/x", "not a url"} {
		_, err := c.Do(context.Background(), Request{URL: u})
		assert.Error(t, err, u)
	}
}

func TestClient_BreakerOpensAfterServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Minute
	c := NewClient(cfg, nil)

	for i := 0; i < 2; i++ {
		_, err := c.Do(context.Background(), Request{URL: srv.URL})
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.True(t, se.Retryable())
	}

	_, err := c.Do(context.Background(), Request{URL: srv.URL})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	u, _ := url.Parse(srv.URL)
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState(u.Host))
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BreakerFailures = 1
	c := NewClient(cfg, nil)

	for i := 0; i < 3; i++ {
		_, err := c.Do(context.Background(), Request{URL: srv.URL})
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
}
