// Package rooms is the client for the media room provider: it creates
// rooms and meeting tokens and manages the provider's cloud recordings.
package rooms

import (
	"context"
	"fmt"
	"time"
)

// Provider is the subset of the media provider API the gateway relies on.
type Provider interface {
	CreateRoom(ctx context.Context, p RoomParams) (Room, error)
	CreateToken(ctx context.Context, roomName string, p TokenParams) (string, error)
	ListRecordings(ctx context.Context, roomName string) ([]RecordingInfo, error)
	RecordingLink(ctx context.Context, recordingID string) (string, error)
	DeleteRecording(ctx context.Context, recordingID string) error
	DeleteRoom(ctx context.Context, roomName string) error
}

// Room is a provisioned media room.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// RoomParams controls room creation. Zero values fall back to client defaults.
type RoomParams struct {
	Name      string
	ExpiresAt time.Time
}

// TokenParams controls meeting token creation.
type TokenParams struct {
	Owner     bool
	UserName  string
	ExpiresAt time.Time
}

// RecordingInfo describes a finished provider recording.
type RecordingInfo struct {
	ID          string `json:"id"`
	RoomName    string `json:"room_name"`
	Status      string `json:"status"`
	Duration    int    `json:"duration"`
	StartTS     int64  `json:"start_ts"`
	DownloadURL string `json:"download_link,omitempty"`
}

// Ready reports whether the recording has finished processing.
func (r RecordingInfo) Ready() bool {
	return r.Status == "" || r.Status == "finished"
}

// APIError is a non-success response from the provider.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rooms %s: status %d: %s", e.Op, e.Status, e.Body)
}

// NotFound reports whether the provider answered 404.
func (e *APIError) NotFound() bool { return e.Status == 404 }
