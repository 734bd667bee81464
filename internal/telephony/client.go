// Package telephony is the client for the telephony provider: outbound call
// legs, call-control documents, webhook signatures and status callbacks.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/logging"
	"github.com/soyeahso/voxgate/internal/restclient"
	"github.com/soyeahso/voxgate/internal/version"
)

// Provider is the subset of the telephony API the gateway relies on.
type Provider interface {
	CreateCall(ctx context.Context, p CallParams) (string, error)
	Hangup(ctx context.Context, callSID string) error
}

// CallParams describes an outbound call leg.
type CallParams struct {
	To             string
	From           string
	URL            string // call-control document fetched when the callee answers
	StatusCallback string
}

// APIError is a non-success response from the provider.
type APIError struct {
	Op      string
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("telephony %s: status %d: code %d: %s", e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("telephony %s: status %d: %s", e.Op, e.Status, e.Message)
}

// Client talks to a Twilio-style REST API using basic auth.
type Client struct {
	baseURL    string
	accountSID string
	authToken  string
	http       *http.Client
	log        *logging.Logger
}

var _ Provider = (*Client)(nil)

// NewClient builds a telephony client from config.
func NewClient(cfg config.TelephonyConfig, log *logging.Logger) *Client {
	l := log.Sub("telephony")
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		http:       restclient.Standard(cfg.Retries, l),
		log:        l,
	}
}

// CreateCall places an outbound call and returns its call SID.
func (c *Client) CreateCall(ctx context.Context, p CallParams) (string, error) {
	form := url.Values{}
	form.Set("To", p.To)
	form.Set("From", p.From)
	form.Set("Url", p.URL)
	if p.StatusCallback != "" {
		form.Set("StatusCallback", p.StatusCallback)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	var out struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	// A retried create can dial the callee twice.
	if err := c.post(restclient.NoReplay(ctx), "create_call", c.callsPath(""), form, &out); err != nil {
		return "", err
	}
	if out.SID == "" {
		return "", &APIError{Op: "create_call", Status: http.StatusOK, Message: "response missing sid"}
	}
	c.log.Debug().Str("callSid", out.SID).Str("status", out.Status).Msg("call created")
	return out.SID, nil
}

// Hangup ends an in-progress call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	return c.post(ctx, "hangup", c.callsPath(callSID), form, nil)
}

func (c *Client) callsPath(callSID string) string {
	p := "/2010-04-01/Accounts/" + url.PathEscape(c.accountSID) + "/Calls"
	if callSID != "" {
		p += "/" + url.PathEscape(callSID)
	}
	return p + ".json"
}

func (c *Client) post(ctx context.Context, op, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telephony %s: %w", op, err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telephony %s: %w", op, err)
	}
	defer resp.Body.Close()

	if !restclient.Success(resp.StatusCode) {
		body := restclient.ErrorBody(resp.Body)
		apiErr := &APIError{Op: op, Status: resp.StatusCode, Message: body}
		var parsed struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal([]byte(body), &parsed) == nil && parsed.Message != "" {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("telephony %s: decoding response: %w", op, err)
	}
	return nil
}
