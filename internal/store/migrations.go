package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create call sessions and lifecycle events",
		SQL: `
			CREATE TABLE call_sessions (
				id          TEXT PRIMARY KEY,
				kind        TEXT NOT NULL,
				bot_type    TEXT NOT NULL,
				client_info TEXT NOT NULL DEFAULT '{}',
				room_url    TEXT NOT NULL DEFAULT '',
				state       TEXT NOT NULL,
				end_reason  TEXT NOT NULL DEFAULT '',
				error       TEXT NOT NULL DEFAULT '',
				created_at  TEXT NOT NULL,
				ended_at    TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_call_sessions_created ON call_sessions (created_at);
			CREATE INDEX idx_call_sessions_state ON call_sessions (state);

			CREATE TABLE session_events (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL,
				event       TEXT NOT NULL,
				detail      TEXT NOT NULL DEFAULT '',
				at          TEXT NOT NULL
			);

			CREATE INDEX idx_session_events_session ON session_events (session_id, id);
		`,
	},
	{
		Version: 2,
		Name:    "create recordings and archive event log",
		SQL: `
			CREATE TABLE recordings (
				id          TEXT PRIMARY KEY,
				session_id  TEXT NOT NULL,
				bot_type    TEXT NOT NULL DEFAULT '',
				url         TEXT NOT NULL DEFAULT '',
				state       TEXT NOT NULL,
				bucket      TEXT NOT NULL DEFAULT '',
				object_key  TEXT NOT NULL DEFAULT '',
				error       TEXT NOT NULL DEFAULT '',
				attempts    INTEGER NOT NULL DEFAULT 0,
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			);

			CREATE INDEX idx_recordings_session ON recordings (session_id);

			CREATE TABLE archive_events (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				recording_id TEXT NOT NULL,
				session_id   TEXT NOT NULL,
				event        TEXT NOT NULL,
				detail       TEXT NOT NULL DEFAULT '',
				at           TEXT NOT NULL
			);

			CREATE INDEX idx_archive_events_recording ON archive_events (recording_id, id);
		`,
	},
}
