package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/voxgate/internal/domain"
)

// Archive event names written to the event log.
const (
	ArchiveFetchStarted    = "fetch_started"
	ArchiveFetchFailed     = "fetch_failed"
	ArchiveUploadStarted   = "upload_started"
	ArchiveUploadConfirmed = "upload_confirmed"
	ArchiveUploadFailed    = "upload_failed"
	ArchiveDeleteIssued    = "delete_issued"
	ArchiveDeleted         = "deleted"
	ArchiveCleanupFailed   = "cleanup_failed"
	ArchiveSkipped         = "skipped"
	ArchiveGaveUp          = "gave_up"
)

// ArchiveEvent is one row of the append-only archive event log.
type ArchiveEvent struct {
	RecordingID string    `json:"recordingId"`
	SessionID   string    `json:"sessionId"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// RecordingStore persists recordings and the archive event log.
type RecordingStore struct {
	db *DB
}

// NewRecordingStore creates a recording store using the given database.
func NewRecordingStore(db *DB) *RecordingStore {
	return &RecordingStore{db: db}
}

// Save inserts or updates a recording row.
func (s *RecordingStore) Save(ctx context.Context, rec domain.Recording) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO recordings (id, session_id, bot_type, url, state, bucket, object_key, error, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			state = excluded.state,
			bucket = excluded.bucket,
			object_key = excluded.object_key,
			error = excluded.error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`,
		rec.ID, rec.SessionID, rec.BotType, rec.URL, string(rec.State), rec.Bucket, rec.Key,
		rec.Error, rec.Attempts, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving recording %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns a recording by ID, or ErrNotFound.
func (s *RecordingStore) Get(ctx context.Context, id string) (domain.Recording, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, session_id, bot_type, url, state, bucket, object_key, error, attempts, created_at, updated_at
		 FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recording{}, ErrNotFound
	}
	return rec, err
}

// ListBySession returns a session's recordings, oldest first.
func (s *RecordingStore) ListBySession(ctx context.Context, sessionID string) ([]domain.Recording, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, session_id, bot_type, url, state, bucket, object_key, error, attempts, created_at, updated_at
		 FROM recordings WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing recordings: %w", err)
	}
	defer rows.Close()

	var out []domain.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEvent adds a row to the archive event log.
func (s *RecordingStore) AppendEvent(ctx context.Context, ev ArchiveEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO archive_events (recording_id, session_id, event, detail, at) VALUES (?, ?, ?, ?, ?)`,
		ev.RecordingID, ev.SessionID, ev.Event, ev.Detail, formatTime(ev.At),
	)
	if err != nil {
		return fmt.Errorf("appending archive event: %w", err)
	}
	return nil
}

// Events returns the archive event log for one recording in insertion order.
func (s *RecordingStore) Events(ctx context.Context, recordingID string) ([]ArchiveEvent, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT recording_id, session_id, event, detail, at FROM archive_events
		 WHERE recording_id = ? ORDER BY id`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("listing archive events: %w", err)
	}
	defer rows.Close()

	var out []ArchiveEvent
	for rows.Next() {
		var ev ArchiveEvent
		var at string
		if err := rows.Scan(&ev.RecordingID, &ev.SessionID, &ev.Event, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.At = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanRecording(r rowScanner) (domain.Recording, error) {
	var rec domain.Recording
	var state, createdAt, updatedAt string
	if err := r.Scan(&rec.ID, &rec.SessionID, &rec.BotType, &rec.URL, &state, &rec.Bucket,
		&rec.Key, &rec.Error, &rec.Attempts, &createdAt, &updatedAt); err != nil {
		return domain.Recording{}, err
	}
	rec.State = domain.RecordingState(state)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}
