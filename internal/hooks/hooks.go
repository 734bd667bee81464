// Package hooks is the lifecycle event bus for call sessions, agents,
// bridges and recordings.
package hooks

import (
	"context"
	"sync"

	"github.com/soyeahso/voxgate/internal/logging"
)

// Event names for the hook system.
const (
	EventSessionStart      = "session_start"
	EventSessionEnd        = "session_end"
	EventSessionFailed     = "session_failed"
	EventAgentLaunched     = "agent_launched"
	EventAgentExited       = "agent_exited"
	EventBridgeOpen        = "bridge_open"
	EventBridgeClosed      = "bridge_closed"
	EventRecordingArchived = "recording_archived"
	EventArchiveFailed     = "archive_failed"
	EventGatewayStart      = "gateway_start"
	EventGatewayStop       = "gateway_stop"
)

// AllEvents lists all known hook event names.
var AllEvents = []string{
	EventSessionStart,
	EventSessionEnd,
	EventSessionFailed,
	EventAgentLaunched,
	EventAgentExited,
	EventBridgeOpen,
	EventBridgeClosed,
	EventRecordingArchived,
	EventArchiveFailed,
	EventGatewayStart,
	EventGatewayStop,
}

// Payload carries event data to hook handlers.
type Payload struct {
	Event     string         `json:"event"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler is a function that handles a hook event.
// Returning an error logs the failure but does not stop processing.
type Handler func(ctx context.Context, p Payload) error

// Manager manages hook registrations and dispatches events.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	log      *logging.Logger
	inflight sync.WaitGroup
}

type namedHandler struct {
	name    string
	handler Handler
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
	}
}

// On registers a handler for the given event.
// The name identifies the handler for logging and debugging.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// Off removes all handlers with the given name from the event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handlers := m.handlers[event]
	filtered := make([]namedHandler, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	m.handlers[event] = filtered
}

func (m *Manager) snapshot(event string) []namedHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handlers := make([]namedHandler, len(m.handlers[event]))
	copy(handlers, m.handlers[event])
	return handlers
}

// Emit dispatches an event to all registered handlers synchronously, in
// registration order. Errors are logged but do not stop later handlers.
func (m *Manager) Emit(ctx context.Context, event, sessionID string, data map[string]any) {
	payload := Payload{Event: event, SessionID: sessionID, Data: data}
	for _, h := range m.snapshot(event) {
		m.run(ctx, h, payload)
	}
}

// EmitAsync dispatches an event to all registered handlers concurrently.
// Returns immediately; use Wait to drain in-flight handlers.
func (m *Manager) EmitAsync(ctx context.Context, event, sessionID string, data map[string]any) {
	payload := Payload{Event: event, SessionID: sessionID, Data: data}
	for _, h := range m.snapshot(event) {
		m.inflight.Add(1)
		go func(h namedHandler) {
			defer m.inflight.Done()
			m.run(ctx, h, payload)
		}(h)
	}
}

func (m *Manager) run(ctx context.Context, h namedHandler, p Payload) {
	if err := h.handler(ctx, p); err != nil {
		m.log.With(p.SessionID, "hook").Warn().
			Err(err).
			Str("event", p.Event).
			Str("handler", h.name).
			Msg("hook handler error")
	}
}

// Wait blocks until every handler started by EmitAsync has returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the list of events that have at least one handler registered.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]string, 0, len(m.handlers))
	for event, handlers := range m.handlers {
		if len(handlers) > 0 {
			events = append(events, event)
		}
	}
	return events
}
