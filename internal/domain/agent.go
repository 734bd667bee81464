package domain

import (
	"context"
	"time"
)

// AgentProcessHandle identifies the OS process running a session's agent.
type AgentProcessHandle struct {
	SessionID  string    `json:"sessionId"`
	PID        int       `json:"pid"`
	LaunchedAt time.Time `json:"launchedAt"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Binding carries what an agent needs to join its session. Exactly one of
// the room fields or CallSID is set.
type Binding struct {
	RoomURL string
	Token   string
	CallSID string
}

// IsTelephony reports whether the binding is a call leg.
func (b Binding) IsTelephony() bool { return b.CallSID != "" }

// MediaFrame is one unit of audio relayed between the provider and an agent.
type MediaFrame struct {
	SessionID string
	Payload   []byte
	Seq       int64
}

// AudioChannel is an agent's audio endpoint: frames in, frames out.
type AudioChannel interface {
	// Send delivers one frame to the agent.
	Send(ctx context.Context, f MediaFrame) error

	// Frames yields agent-produced audio in production order. It is closed
	// when the agent stops producing audio.
	Frames() <-chan MediaFrame
}
