package domain

import (
	"fmt"
	"time"
)

// SessionKind selects how a call's media is provisioned.
type SessionKind string

const (
	KindRoom      SessionKind = "room"
	KindTelephony SessionKind = "telephony"
)

// SessionState is the lifecycle position of a CallSession.
type SessionState string

const (
	StateProvisioning SessionState = "provisioning"
	StateActive       SessionState = "active"
	StateEnded        SessionState = "ended"
	StateFailed       SessionState = "failed"
)

// Terminal reports whether no further transitions can change the state.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// CallSession tracks one provisioned call. The ID is the room name for room
// sessions and the call-leg id for telephony sessions.
type CallSession struct {
	ID         string       `json:"id"`
	Kind       SessionKind  `json:"kind"`
	BotType    string       `json:"botType"`
	ClientInfo ClientInfo   `json:"clientInfo"`
	RoomURL    string       `json:"roomUrl,omitempty"`
	State      SessionState `json:"state"`
	CreatedAt  time.Time    `json:"createdAt"`
	EndedAt    *time.Time   `json:"endedAt,omitempty"`
	EndReason  string       `json:"endReason,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// SessionEvent is an input to the session state machine.
type SessionEvent string

const (
	EventProvisioned     SessionEvent = "provisioned"
	EventProvisionFailed SessionEvent = "provision_failed"
	EventCallEnded       SessionEvent = "call_ended"
	EventAgentExited     SessionEvent = "agent_exited"
)

// Effect is a side effect the orchestrator must run after a transition.
type Effect string

const (
	EffectTerminateAgent  Effect = "terminate_agent"
	EffectCloseBridge     Effect = "close_bridge"
	EffectScheduleArchive Effect = "schedule_archive"
	EffectReleaseHandle   Effect = "release_handle"
)

// Transition computes the next state and the effects to run for an event.
// Terminal states absorb every event without effects.
func Transition(kind SessionKind, state SessionState, ev SessionEvent) (SessionState, []Effect, error) {
	if state.Terminal() {
		return state, nil, nil
	}

	switch state {
	case StateProvisioning:
		switch ev {
		case EventProvisioned:
			return StateActive, nil, nil
		case EventProvisionFailed:
			return StateFailed, []Effect{EffectReleaseHandle}, nil
		case EventCallEnded, EventAgentExited:
			// The call ended before provisioning finished; treat as failure.
			return StateFailed, []Effect{EffectTerminateAgent, EffectReleaseHandle}, nil
		}

	case StateActive:
		switch ev {
		case EventCallEnded:
			effects := []Effect{EffectTerminateAgent}
			if kind == KindTelephony {
				effects = append(effects, EffectCloseBridge)
			}
			if kind == KindRoom {
				effects = append(effects, EffectScheduleArchive)
			}
			return StateEnded, effects, nil
		case EventAgentExited:
			effects := []Effect{EffectReleaseHandle}
			if kind == KindTelephony {
				effects = append(effects, EffectCloseBridge)
			}
			if kind == KindRoom {
				effects = append(effects, EffectScheduleArchive)
			}
			return StateEnded, effects, nil
		case EventProvisioned:
			return StateActive, nil, nil
		}
	}

	return state, nil, fmt.Errorf("invalid session transition: %s on %s", ev, state)
}
