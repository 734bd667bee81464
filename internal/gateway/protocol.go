package gateway

import (
	"encoding/json"
	"time"

	"github.com/soyeahso/voxgate/internal/domain"
)

// CreateRequest is the body of POST /.
type CreateRequest struct {
	Test   json.RawMessage `json:"test,omitempty"`
	Config *BotConfig      `json:"config"`
}

// BotConfig selects the agent and carries what it should know about the callee.
type BotConfig struct {
	BotType    string          `json:"botType"`
	ClientInfo json.RawMessage `json:"clientInfo"`
}

// TestResponse answers the liveness check.
type TestResponse struct {
	Test bool `json:"test"`
}

// RoomResponse is returned for a room session.
type RoomResponse struct {
	RoomName string `json:"room_name"`
	RoomURL  string `json:"room_url"`
	Token    string `json:"token"`
}

// CallResponse is returned for a telephony session.
type CallResponse struct {
	Message string `json:"message"`
	CallSID string `json:"call_sid"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Sessions int    `json:"sessions"`
	Streams  int    `json:"streams"`
	Uptime   string `json:"uptime,omitempty"`
}

// SessionList is returned by GET /sessions.
type SessionList struct {
	Sessions []domain.CallSession `json:"sessions"`
}

// EndRequest is the optional body of POST /sessions/{id}/end.
type EndRequest struct {
	Reason string `json:"reason"`
}

// EndResponse acknowledges a call-ended signal.
type EndResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
}

// RoomsWebhook is the media provider's webhook envelope.
type RoomsWebhook struct {
	Test    string             `json:"test,omitempty"`
	ID      string             `json:"id,omitempty"`
	Type    string             `json:"type"`
	EventTS float64            `json:"event_ts,omitempty"`
	Payload RoomsWebhookDetail `json:"payload"`
}

// RoomsWebhookDetail carries the fields the gateway reads from a webhook.
type RoomsWebhookDetail struct {
	Room        string `json:"room,omitempty"`
	RoomName    string `json:"room_name,omitempty"`
	RecordingID string `json:"recording_id,omitempty"`
	Status      string `json:"status,omitempty"`
}

// RoomOf returns whichever room field the event type populates.
func (d RoomsWebhookDetail) RoomOf() string {
	if d.Room != "" {
		return d.Room
	}
	return d.RoomName
}

// Webhook event types handled by the gateway.
const (
	RoomsMeetingEnded   = "meeting.ended"
	RoomsRecordingReady = "recording.ready-to-download"
)

func uptime(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return time.Since(since).Round(time.Second).String()
}
