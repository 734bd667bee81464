package telephony

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.TelephonyConfig{
		AccountSID: "AC1",
		AuthToken:  "twilio-token",
		BaseURL:    srv.URL,
	}, logging.New(nil, "silent"))
}

func TestCreateCall(t *testing.T) {
	var form url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "twilio-token", pass)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA123","status":"queued"}`))
	})

	sid, err := c.CreateCall(context.Background(), CallParams{
		To:             "+15550100",
		From:           "+15550199",
		URL:            "https://calls.example.com/twiml",
		StatusCallback: "https://calls.example.com/webhooks/telephony/status",
	})
	require.NoError(t, err)
	assert.Equal(t, "CA123", sid)
	assert.Equal(t, "+15550100", form.Get("To"))
	assert.Equal(t, "+15550199", form.Get("From"))
	assert.Equal(t, "https://calls.example.com/twiml", form.Get("Url"))
	assert.Contains(t, form["StatusCallbackEvent"], "completed")
}

func TestCreateCall_ProviderError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`))
	})

	_, err := c.CreateCall(context.Background(), CallParams{To: "nope"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 21211, apiErr.Code)
	assert.Equal(t, "Invalid 'To' Phone Number", apiErr.Message)
}

func TestCreateCall_NotRetriedOnServerError(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA2","status":"queued"}`))
	}))
	t.Cleanup(srv.Close)
	c := NewClient(config.TelephonyConfig{
		AccountSID: "AC1",
		AuthToken:  "twilio-token",
		BaseURL:    srv.URL,
		Retries:    2,
	}, logging.New(nil, "silent"))

	sid, err := c.CreateCall(context.Background(), CallParams{To: "+15550100", From: "+15550199"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Empty(t, sid)
	assert.Equal(t, int32(1), posts.Load())
}

func TestHangup_RetriedOnServerError(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"sid":"CA123","status":"completed"}`))
	}))
	t.Cleanup(srv.Close)
	c := NewClient(config.TelephonyConfig{AccountSID: "AC1", BaseURL: srv.URL, Retries: 2}, logging.New(nil, "silent"))

	require.NoError(t, c.Hangup(context.Background(), "CA123"))
	assert.Equal(t, int32(2), posts.Load())
}

func TestHangup(t *testing.T) {
	var path, status string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, r.ParseForm())
		status = r.PostForm.Get("Status")
		w.Write([]byte(`{"sid":"CA123","status":"completed"}`))
	})

	require.NoError(t, c.Hangup(context.Background(), "CA123"))
	assert.Equal(t, "/2010-04-01/Accounts/AC1/Calls/CA123.json", path)
	assert.Equal(t, "completed", status)
}

func TestStreamDocument(t *testing.T) {
	doc, err := StreamDocument("wss://calls.example.com/media-stream", map[string]string{"botType": "salesBot"})
	require.NoError(t, err)

	assert.Contains(t, string(doc), `<?xml version="1.0" encoding="UTF-8"?>`)
	assert.Contains(t, string(doc), `<Stream url="wss://calls.example.com/media-stream" bidirectional="true">`)

	var parsed twimlResponse
	require.NoError(t, xml.Unmarshal(doc, &parsed))
	assert.Equal(t, "wss://calls.example.com/media-stream", parsed.Connect.Stream.URL)
	require.Len(t, parsed.Connect.Stream.Parameters, 1)
	assert.Equal(t, "botType", parsed.Connect.Stream.Parameters[0].Name)
	assert.Equal(t, "salesBot", parsed.Connect.Stream.Parameters[0].Value)
}

func TestStreamDocument_EscapesURL(t *testing.T) {
	doc, err := StreamDocument(`wss://x/media-stream?a=1&b="2"`, nil)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "&amp;")
	assert.NotContains(t, string(doc), "<Parameter")
}

func TestSignature(t *testing.T) {
	form := url.Values{
		"CallSid":    {"CA123"},
		"CallStatus": {"completed"},
		"AccountSid": {"AC1"},
	}
	u := "https://calls.example.com/webhooks/telephony/status"

	assert.Equal(t, "2ms7Q54INa4+GGipthjyiy2DFl0=", ExpectedSignature("twilio-token", u, form))
	assert.True(t, ValidateSignature("twilio-token", u, form, "2ms7Q54INa4+GGipthjyiy2DFl0="))
	assert.False(t, ValidateSignature("other-token", u, form, "2ms7Q54INa4+GGipthjyiy2DFl0="))
	assert.False(t, ValidateSignature("twilio-token", u, form, ""))
}

func TestParseStatusAndTerminal(t *testing.T) {
	ev := ParseStatus(url.Values{"CallSid": {"CA9"}, "CallStatus": {"no-answer"}})
	assert.Equal(t, "CA9", ev.CallSID)
	assert.True(t, IsTerminalStatus(ev.Status))

	for _, s := range []string{StatusQueued, StatusRinging, StatusInProgress, ""} {
		assert.False(t, IsTerminalStatus(s), s)
	}
	for _, s := range []string{StatusCompleted, StatusBusy, StatusFailed, StatusCanceled} {
		assert.True(t, IsTerminalStatus(s), s)
	}
}
