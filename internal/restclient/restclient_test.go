package restclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/voxgate/internal/logging"
)

func countingServer(t *testing.T, first int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(first)
			return
		}
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func post(t *testing.T, ctx context.Context, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("x=1"))
	require.NoError(t, err)
	resp, err := Standard(2, logging.New(nil, "silent")).Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name     string
		noReplay bool
		first    int
		status   int
		calls    int32
	}{
		{"server error retried", false, http.StatusBadGateway, http.StatusOK, 2},
		{"no replay server error kept", true, http.StatusBadGateway, http.StatusBadGateway, 1},
		{"no replay rate limit retried", true, http.StatusTooManyRequests, http.StatusOK, 2},
		{"client error not retried", false, http.StatusBadRequest, http.StatusBadRequest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := countingServer(t, tt.first)
			ctx := context.Background()
			if tt.noReplay {
				ctx = NoReplay(ctx)
			}
			resp := post(t, ctx, srv.URL)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestNotDelivered(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, dialErr := http.Post("http://"+addr, "text/plain", strings.NewReader("x"))
	require.Error(t, dialErr)
	assert.True(t, notDelivered(dialErr))

	assert.False(t, notDelivered(errors.New("unexpected EOF")))
	assert.False(t, notDelivered(&net.OpError{Op: "read", Err: errors.New("connection reset")}))
}

func TestCheckRetry_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(NoReplay(context.Background()))
	cancel()
	retry, err := checkRetry(ctx, nil, errors.New("dial tcp: refused"))
	assert.False(t, retry)
	assert.ErrorIs(t, err, context.Canceled)
}
