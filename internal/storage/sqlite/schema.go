package sqlite

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		owner            TEXT NOT NULL,
		tier             TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'pending'
		                 CHECK (status IN ('pending', 'running', 'completed', 'errored', 'cancelled')),
		preferences      TEXT,
		metadata         TEXT NOT NULL DEFAULT '{}',
		last_sequence    INTEGER NOT NULL DEFAULT 0,
		started_at       INTEGER,
		completed_at     INTEGER,
		last_activity_at INTEGER NOT NULL,
		created_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_activity_idx ON sessions (status, last_activity_at)`,
	`CREATE INDEX IF NOT EXISTS sessions_completed_idx ON sessions (completed_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		sequence   INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (session_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		agent_event_id TEXT NOT NULL,
		phase          TEXT NOT NULL,
		tool           TEXT NOT NULL DEFAULT '',
		title          TEXT NOT NULL DEFAULT '',
		message        TEXT NOT NULL DEFAULT '',
		payload        TEXT,
		content_hash   TEXT NOT NULL DEFAULT '',
		sequence       INTEGER NOT NULL,
		created_at     INTEGER NOT NULL,
		UNIQUE (session_id, sequence),
		UNIQUE (session_id, agent_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		event_id     TEXT NOT NULL REFERENCES events (id) ON DELETE CASCADE,
		storage_ref  TEXT NOT NULL,
		content_type TEXT NOT NULL,
		caption      TEXT NOT NULL DEFAULT '',
		sequence     INTEGER NOT NULL,
		created_at   INTEGER NOT NULL,
		UNIQUE (session_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS late_arrivals (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
		kind           TEXT NOT NULL,
		payload        TEXT NOT NULL,
		session_status TEXT NOT NULL,
		rejected_late  INTEGER NOT NULL DEFAULT 1,
		received_at    INTEGER NOT NULL
	)`,
}
