package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/voxgate/internal/domain"
)

// SessionEvent is one persisted lifecycle event for a call session.
type SessionEvent struct {
	SessionID string    `json:"sessionId"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// SessionStore persists call sessions and their lifecycle events.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store using the given database.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Save inserts or updates a session row.
func (s *SessionStore) Save(ctx context.Context, sess domain.CallSession) error {
	info, err := json.Marshal(sess.ClientInfo)
	if err != nil {
		return fmt.Errorf("encoding client info: %w", err)
	}
	var endedAt string
	if sess.EndedAt != nil {
		endedAt = formatTime(*sess.EndedAt)
	}

	_, err = s.db.sql.ExecContext(ctx,
		`INSERT INTO call_sessions (id, kind, bot_type, client_info, room_url, state, end_reason, error, created_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			room_url = excluded.room_url,
			end_reason = excluded.end_reason,
			error = excluded.error,
			ended_at = excluded.ended_at`,
		sess.ID, string(sess.Kind), sess.BotType, string(info), sess.RoomURL, string(sess.State),
		sess.EndReason, sess.Error, formatTime(sess.CreatedAt), endedAt,
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

// Get returns a session by ID, or ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, id string) (domain.CallSession, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, kind, bot_type, client_info, room_url, state, end_reason, error, created_at, ended_at
		 FROM call_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CallSession{}, ErrNotFound
	}
	return sess, err
}

// List returns the most recent sessions, newest first. limit <= 0 means all.
func (s *SessionStore) List(ctx context.Context, limit int) ([]domain.CallSession, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, kind, bot_type, client_info, room_url, state, end_reason, error, created_at, ended_at
		 FROM call_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.CallSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// FailOrphaned marks sessions that were still provisioning or active as
// failed. It is run at startup: no agent survives a gateway restart, so
// such rows can never end on their own. It returns the affected ids.
func (s *SessionStore) FailOrphaned(ctx context.Context, reason string, at time.Time) ([]string, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`UPDATE call_sessions SET state = ?, error = ?, ended_at = ?
		 WHERE state IN (?, ?) RETURNING id`,
		string(domain.StateFailed), reason, formatTime(at),
		string(domain.StateProvisioning), string(domain.StateActive),
	)
	if err != nil {
		return nil, fmt.Errorf("failing orphaned sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if err := s.AppendEvent(ctx, SessionEvent{SessionID: id, Event: "orphaned", Detail: reason, At: at}); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// AppendEvent records a lifecycle event for a session.
func (s *SessionStore) AppendEvent(ctx context.Context, ev SessionEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO session_events (session_id, event, detail, at) VALUES (?, ?, ?, ?)`,
		ev.SessionID, ev.Event, ev.Detail, formatTime(ev.At),
	)
	if err != nil {
		return fmt.Errorf("appending session event: %w", err)
	}
	return nil
}

// Events returns a session's lifecycle events in insertion order.
func (s *SessionStore) Events(ctx context.Context, sessionID string) ([]SessionEvent, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT session_id, event, detail, at FROM session_events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var ev SessionEvent
		var at string
		if err := rows.Scan(&ev.SessionID, &ev.Event, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.At = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (domain.CallSession, error) {
	var sess domain.CallSession
	var kind, state, info, createdAt, endedAt string
	if err := r.Scan(&sess.ID, &kind, &sess.BotType, &info, &sess.RoomURL, &state,
		&sess.EndReason, &sess.Error, &createdAt, &endedAt); err != nil {
		return domain.CallSession{}, err
	}
	sess.Kind = domain.SessionKind(kind)
	sess.State = domain.SessionState(state)
	sess.CreatedAt = parseTime(createdAt)
	if endedAt != "" {
		t := parseTime(endedAt)
		sess.EndedAt = &t
	}
	if info != "" {
		_ = json.Unmarshal([]byte(info), &sess.ClientInfo)
	}
	return sess, nil
}
