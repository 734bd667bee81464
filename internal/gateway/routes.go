package gateway

import "net/http"

// Media stream paths. The second keeps call-control documents issued by
// older deployments working.
const (
	MediaStreamPath       = "/media-stream"
	legacyMediaStreamPath = "/twilio-media-stream"
)

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Session API
	mux.HandleFunc("POST /{$}", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("GET /sessions/{id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("POST /sessions/{id}/end", s.requireAuth(s.handleEndSession))

	// Telephony provider
	mux.HandleFunc("GET /twiml", s.handleTwiML)
	mux.HandleFunc("POST /twiml", s.handleTwiML)
	mux.HandleFunc("GET "+MediaStreamPath, s.handleMediaStream)
	mux.HandleFunc("GET "+legacyMediaStreamPath, s.handleMediaStream)
	mux.HandleFunc("POST /webhooks/telephony/status", s.handleTelephonyStatus)

	// Media room provider
	mux.HandleFunc("POST /webhooks/rooms", s.handleRoomsWebhook)

	// Catch-all for unknown routes
	mux.HandleFunc("/", s.handleNotFound)
}
