package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/logging"
	"github.com/soyeahso/voxgate/internal/restclient"
	"github.com/soyeahso/voxgate/internal/version"
)

// TokenSource implements oauth2.TokenSource for the static provider API key.
type TokenSource struct {
	APIKey string
}

// Token returns the API key as a bearer token.
func (t *TokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: t.APIKey, TokenType: "Bearer"}, nil
}

// Client talks to a Daily-style REST API.
type Client struct {
	baseURL         string
	http            *http.Client
	log             *logging.Logger
	maxSessionTime  time.Duration
	enableRecording string
	now             func() time.Time
}

var _ Provider = (*Client)(nil)

// NewClient builds a provider client. Requests carry the API key as a bearer
// token and are retried on 429 and 5xx responses, except room creation,
// which is only retried when the provider cannot have seen it.
func NewClient(cfg config.RoomsConfig, log *logging.Logger) *Client {
	l := log.Sub("rooms")

	base := context.WithValue(context.Background(), oauth2.HTTPClient, restclient.Standard(cfg.Retries, l))
	httpClient := oauth2.NewClient(base, &TokenSource{APIKey: cfg.APIKey})

	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		http:            httpClient,
		log:             l,
		maxSessionTime:  cfg.MaxSessionTime,
		enableRecording: cfg.EnableRecording,
		now:             time.Now,
	}
}

// CreateRoom creates a room that expires after the configured session time.
func (c *Client) CreateRoom(ctx context.Context, p RoomParams) (Room, error) {
	exp := p.ExpiresAt
	if exp.IsZero() {
		exp = c.now().Add(c.maxSessionTime)
	}

	props := map[string]any{
		"exp":               exp.Unix(),
		"eject_at_room_exp": true,
	}
	if c.enableRecording != "" {
		props["enable_recording"] = c.enableRecording
	}
	body := map[string]any{"properties": props}
	if p.Name != "" {
		body["name"] = p.Name
	}

	var room Room
	if err := c.do(restclient.NoReplay(ctx), "create_room", http.MethodPost, "/rooms", body, &room); err != nil {
		return Room{}, err
	}
	if room.Name == "" || room.URL == "" {
		return Room{}, &APIError{Op: "create_room", Status: http.StatusOK, Body: "response missing room name or url"}
	}
	c.log.Debug().Str("room", room.Name).Time("exp", exp).Msg("room created")
	return room, nil
}

// CreateToken issues a meeting token scoped to roomName.
func (c *Client) CreateToken(ctx context.Context, roomName string, p TokenParams) (string, error) {
	exp := p.ExpiresAt
	if exp.IsZero() {
		exp = c.now().Add(c.maxSessionTime)
	}
	props := map[string]any{
		"room_name": roomName,
		"exp":       exp.Unix(),
		"is_owner":  p.Owner,
	}
	if p.UserName != "" {
		props["user_name"] = p.UserName
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "create_token", http.MethodPost, "/meeting-tokens", map[string]any{"properties": props}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &APIError{Op: "create_token", Status: http.StatusOK, Body: "response missing token"}
	}
	return out.Token, nil
}

// ListRecordings returns the recordings the provider holds for a room.
func (c *Client) ListRecordings(ctx context.Context, roomName string) ([]RecordingInfo, error) {
	var out struct {
		TotalCount int             `json:"total_count"`
		Data       []RecordingInfo `json:"data"`
	}
	path := "/recordings?room_name=" + url.QueryEscape(roomName)
	if err := c.do(ctx, "list_recordings", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// RecordingLink returns a short-lived download URL for a recording.
func (c *Client) RecordingLink(ctx context.Context, recordingID string) (string, error) {
	var out struct {
		DownloadLink string `json:"download_link"`
		Expires      int64  `json:"expires"`
	}
	path := "/recordings/" + url.PathEscape(recordingID) + "/access-link"
	if err := c.do(ctx, "recording_link", http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.DownloadLink == "" {
		return "", &APIError{Op: "recording_link", Status: http.StatusOK, Body: "response missing download_link"}
	}
	return out.DownloadLink, nil
}

// DeleteRecording removes a recording from the provider.
func (c *Client) DeleteRecording(ctx context.Context, recordingID string) error {
	return c.do(ctx, "delete_recording", http.MethodDelete, "/recordings/"+url.PathEscape(recordingID), nil, nil)
}

// DeleteRoom removes a room. A room that no longer exists counts as deleted.
func (c *Client) DeleteRoom(ctx context.Context, roomName string) error {
	err := c.do(ctx, "delete_room", http.MethodDelete, "/rooms/"+url.PathEscape(roomName), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.NotFound() {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("rooms %s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("rooms %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rooms %s: %w", op, err)
	}
	defer resp.Body.Close()

	if !restclient.Success(resp.StatusCode) {
		return &APIError{Op: op, Status: resp.StatusCode, Body: restclient.ErrorBody(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rooms %s: decoding response: %w", op, err)
	}
	return nil
}
