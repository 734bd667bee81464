package domain

import (
	"fmt"
	"time"
)

// RecordingState is the archival lifecycle of a provider recording.
type RecordingState string

const (
	RecordingAvailable RecordingState = "available"
	RecordingUploading RecordingState = "uploading"
	RecordingArchived  RecordingState = "archived"
	RecordingDeleted   RecordingState = "deleted"
	RecordingFailed    RecordingState = "failed"
)

// recordingTransitions lists the allowed next states for each state.
// Deleted is reachable only from Archived.
var recordingTransitions = map[RecordingState][]RecordingState{
	RecordingAvailable: {RecordingUploading, RecordingFailed},
	RecordingUploading: {RecordingArchived, RecordingAvailable, RecordingFailed},
	RecordingArchived:  {RecordingDeleted},
	RecordingFailed:    {RecordingUploading},
	RecordingDeleted:   nil,
}

// CanTransitionRecording reports whether from → to is a legal move.
func CanTransitionRecording(from, to RecordingState) bool {
	for _, next := range recordingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Recording is a finished recording reported by the media provider.
type Recording struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	URL       string         `json:"url,omitempty"`
	BotType   string         `json:"botType"`
	State     RecordingState `json:"state"`
	Bucket    string         `json:"bucket,omitempty"`
	Key       string         `json:"key,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Advance moves the recording to the next state, enforcing the lifecycle.
func (r *Recording) Advance(to RecordingState) error {
	if !CanTransitionRecording(r.State, to) {
		return fmt.Errorf("recording %s: illegal transition %s -> %s", r.ID, r.State, to)
	}
	r.State = to
	r.UpdatedAt = time.Now()
	return nil
}

// ArchivedRecording is the outcome of a successful archive run.
type ArchivedRecording struct {
	RecordingID string `json:"recordingId"`
	SessionID   string `json:"sessionId"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Deleted     bool   `json:"deleted"`
	// Skipped is set when the recording had already been archived.
	Skipped bool `json:"skipped,omitempty"`
}
