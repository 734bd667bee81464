// Package restclient builds the retrying HTTP clients used for provider APIs.
package restclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/soyeahso/voxgate/internal/logging"
)

// MaxErrorBody bounds how much of an error response body is kept.
const MaxErrorBody = 4096

type noReplayKey struct{}

// NoReplay marks requests made with ctx as unsafe to send twice, such as a
// POST that dials a call. They are retried only when the provider cannot
// have acted on them: a refused connection or a 429.
func NoReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, noReplayKey{}, true)
}

// New returns a client that retries connection errors, 429 and 5xx up to
// retries times. Once retries are exhausted the last response is returned
// as-is so callers can report its status and body.
func New(retries int, log *logging.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = leveled{log: log}
	c.CheckRetry = checkRetry
	c.ErrorHandler = keepLastResponse
	return c
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Value(noReplayKey{}) == nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return notDelivered(err), nil
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// notDelivered reports whether err happened before the request reached the
// server.
func notDelivered(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Standard is New wrapped as a plain *http.Client.
func Standard(retries int, log *logging.Logger) *http.Client {
	return New(retries, log).StandardClient()
}

func keepLastResponse(resp *http.Response, err error, attempts int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, fmt.Errorf("giving up after %d attempt(s): %w", attempts, err)
}

// ErrorBody reads a bounded, trimmed copy of a response body.
func ErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, MaxErrorBody))
	return strings.TrimSpace(string(data))
}

// Success reports whether status is 2xx.
func Success(status int) bool {
	return status >= 200 && status <= 299
}

// leveled adapts the structured logger to retryablehttp.LeveledLogger.
type leveled struct {
	log *logging.Logger
}

func (l leveled) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveled) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.log.Trace().Fields(kv).Msg(msg) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
