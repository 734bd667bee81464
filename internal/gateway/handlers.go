package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/soyeahso/voxgate/internal/bridge"
	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/orchestrator"
	"github.com/soyeahso/voxgate/internal/telephony"
)

const (
	maxBodyBytes        = 1 << 20
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

// handleHealth reports liveness and current load.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Sessions: s.sessions.Live(),
		Streams:  s.streams.Count(),
		Uptime:   uptime(started),
	})
}

// handleNotFound returns a 404 for unknown routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.errs.write(w, http.StatusNotFound, string(domain.KindNotFound), DetailNotFound)
}

// handleCreateSession provisions a room or a call leg for the requested bot.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	log := s.log.With("", "create")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		log.Error().Err(err).Msg("reading request body")
		s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, DetailMalformedConfig)
		return
	}
	log.Debug().Int("bytes", len(body)).Msg("session request received")

	var req CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Error().Err(err).Msg("parsing session request")
		s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, DetailMalformedConfig)
		return
	}
	if req.Test != nil {
		writeJSON(w, http.StatusOK, TestResponse{Test: true})
		return
	}
	if req.Config == nil {
		log.Error().Msg("session request has no config object")
		s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, DetailMalformedConfig)
		return
	}

	var info domain.ClientInfo
	if raw := bytes.TrimSpace(req.Config.ClientInfo); len(raw) > 0 {
		if err := json.Unmarshal(raw, &info); err != nil {
			log.Error().Err(err).Msg("parsing client info")
			s.errs.kind(w, domain.KindValidation, DetailBadBotConfig)
			return
		}
	}

	if s.createLimiter != nil && !s.createLimiter.Allow() {
		log.Warn().Str("remote", r.RemoteAddr).Msg("session creation rate limited")
		s.errs.write(w, http.StatusTooManyRequests, CodeRateLimited, DetailRateLimited)
		return
	}

	// Provisioning is bounded by its own timeout and runs to completion even
	// if the caller disconnects, so compensation is never cut short.
	res, err := s.sessions.CreateSession(context.WithoutCancel(r.Context()), orchestrator.Request{
		BotType:    req.Config.BotType,
		ClientInfo: info,
	})
	if err != nil {
		kind := domain.KindOf(err)
		log.Error().Err(err).Str("kind", string(kind)).Str("botType", req.Config.BotType).Msg("session creation failed")
		detail := DetailStartFailed
		if kind == domain.KindValidation {
			detail = DetailBadBotConfig
		}
		s.errs.err(w, err, detail)
		return
	}

	if res.Kind == domain.KindTelephony {
		writeJSON(w, http.StatusOK, CallResponse{Message: res.Message, CallSID: res.CallSID})
		return
	}
	writeJSON(w, http.StatusOK, RoomResponse{RoomName: res.RoomName, RoomURL: res.RoomURL, Token: res.Token})
}

// handleListSessions lists recent sessions, newest first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSessionLimit)
	}

	list, err := s.sessions.Sessions(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("listing sessions failed")
		s.errs.err(w, err, "Failed to list sessions")
		return
	}
	if list == nil {
		list = []domain.CallSession{}
	}
	writeJSON(w, http.StatusOK, SessionList{Sessions: list})
}

// handleGetSession returns one session.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errs.err(w, err, sessionDetail(err))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleEndSession delivers an explicit call-ended signal.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req EndRequest
	if body, _ := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes)); len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, "Malformed end request")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "ended by api"
	}

	if err := s.sessions.EndSession(r.Context(), id, req.Reason); err != nil {
		s.log.With(id, "end").Warn().Err(err).Msg("end session failed")
		s.errs.err(w, err, sessionDetail(err))
		return
	}
	writeJSON(w, http.StatusOK, EndResponse{OK: true, SessionID: id})
}

func sessionDetail(err error) string {
	if errors.Is(err, domain.ErrSessionNotFound) {
		return "Session not found"
	}
	return "Session lookup failed"
}

// handleTwiML answers the provider's call-control request with a document
// that connects the call to this gateway's media stream.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	params := map[string]string{}
	if bt := r.FormValue("botType"); bt != "" {
		params["botType"] = bt
	}
	doc, err := telephony.StreamDocument(s.mediaStreamURL(r), params)
	if err != nil {
		s.log.Error().Err(err).Msg("rendering call-control document")
		s.errs.kind(w, domain.KindInternal, "Failed to render call-control document")
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// handleMediaStream upgrades to a WebSocket and relays the call's audio
// until either side goes away.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	b := bridge.New(conn, s.sessions, s.cfg.Bridge, s.log)
	s.streams.Add(b)
	defer s.streams.Remove(b.ID())

	if err := b.Run(r.Context()); err != nil {
		s.log.With(b.CallSID(), "bridge").Warn().Err(err).Str("bridge", b.ID()).Msg("media stream ended with error")
	}
}

// externalBase is the URL the providers use to reach this gateway.
func (s *Server) externalBase(r *http.Request) string {
	if base := strings.TrimRight(s.cfg.Gateway.PublicURL, "/"); base != "" {
		return base
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) mediaStreamURL(r *http.Request) string {
	base := s.externalBase(r)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + MediaStreamPath
}
