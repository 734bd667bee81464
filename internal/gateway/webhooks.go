package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/telephony"
)

// handleTelephonyStatus consumes call status callbacks. A terminal status
// is the call-ended signal for the session.
func (s *Server) handleTelephonyStatus(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, DetailBadWebhook)
		return
	}

	if s.cfg.Telephony.ValidateSignature {
		fullURL := s.externalBase(r) + r.URL.RequestURI()
		sig := r.Header.Get(telephony.SignatureHeader)
		if !telephony.ValidateSignature(s.cfg.Telephony.AuthToken, fullURL, r.PostForm, sig) {
			s.log.Warn().Str("remote", r.RemoteAddr).Str("url", fullURL).Msg("telephony webhook signature mismatch")
			s.errs.write(w, http.StatusForbidden, "invalid_signature", DetailBadSignature)
			return
		}
	}

	ev := telephony.ParseStatus(r.PostForm)
	if ev.CallSID == "" {
		s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, DetailBadWebhook)
		return
	}
	log := s.log.With(ev.CallSID, "call_status")
	log.Info().Str("status", ev.Status).Str("duration", ev.Duration).Msg("call status")

	if telephony.IsTerminalStatus(ev.Status) {
		if err := s.sessions.EndSession(r.Context(), ev.CallSID, "call "+ev.Status); err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				log.Debug().Msg("status for unknown call")
			} else {
				log.Error().Err(err).Msg("ending session failed")
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRoomsWebhook consumes media provider events: meeting end closes the
// session and a finished recording is queued for archival.
func (s *Server) handleRoomsWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, DetailBadWebhook)
		return
	}
	var hook RoomsWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		s.log.Warn().Err(err).Msg("malformed rooms webhook")
		s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, DetailBadWebhook)
		return
	}

	// Endpoint verification sends a bare test payload.
	if hook.Test != "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	room := hook.Payload.RoomOf()
	log := s.log.With(room, "rooms_webhook")
	switch hook.Type {
	case RoomsMeetingEnded:
		if room == "" {
			s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, DetailBadWebhook)
			return
		}
		if err := s.sessions.EndSession(r.Context(), room, "meeting ended"); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			log.Error().Err(err).Msg("ending session failed")
		}

	case RoomsRecordingReady:
		if err := s.sessions.HandleRecordingReady(r.Context(), room, hook.Payload.RecordingID); err != nil {
			log.Warn().Err(err).Msg("recording webhook rejected")
			s.errs.kindStatus(w, domain.KindValidation, http.StatusBadRequest, DetailBadWebhook)
			return
		}
		log.Info().Str("recordingId", hook.Payload.RecordingID).Msg("recording ready")

	default:
		log.Debug().Str("type", hook.Type).Msg("ignoring rooms webhook")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
