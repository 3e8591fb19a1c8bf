package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migration is one additive schema step. apply must be idempotent: it
// checks for the column/index/table it introduces before creating it, so a
// migration that was partially applied by a crashed process can be re-run
// safely.
type migration struct {
	id          int
	description string
	apply       func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		id:          1,
		description: "create sessions, captures, videos and jobs tables",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	profile_id       TEXT NOT NULL,
	schedule_id      TEXT NOT NULL,
	date_local       TEXT NOT NULL,
	start_time       TIMESTAMP NOT NULL,
	end_time         TIMESTAMP,
	status           TEXT NOT NULL DEFAULT 'active',
	capture_count    INTEGER NOT NULL DEFAULT 0,
	first_capture_time TIMESTAMP,
	last_capture_time  TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_key ON sessions(profile_id, schedule_id, date_local);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS captures (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id             TEXT NOT NULL,
	node_id                TEXT NOT NULL,
	filename               TEXT NOT NULL,
	timestamp              TIMESTAMP NOT NULL,
	settings_applied       TEXT NOT NULL,
	is_bracket_member      BOOLEAN NOT NULL DEFAULT 0,
	hdr_group_id           TEXT,
	hdr_result_capture_id  INTEGER,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_captures_session_order ON captures(session_id, timestamp, id);

CREATE TABLE IF NOT EXISTS videos (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT NOT NULL,
	output_path     TEXT NOT NULL,
	frame_count     INTEGER NOT NULL,
	duration_ms     INTEGER NOT NULL,
	size_bytes      INTEGER NOT NULL,
	thumbnail_path  TEXT,
	quality_preset  TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	status          TEXT NOT NULL DEFAULT 'queued',
	error           TEXT,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_videos_session ON videos(session_id);
`)
			return err
		},
	},
	{
		id:          2,
		description: "add content_hash to videos for assemble_video idempotency",
		apply: func(tx *sql.Tx) error {
			if hasColumn(tx, "videos", "content_hash") {
				return nil
			}
			_, err := tx.Exec(`ALTER TABLE videos ADD COLUMN content_hash TEXT NOT NULL DEFAULT ''`)
			return err
		},
	},
}

func hasColumn(tx *sql.Tx, table, column string) bool {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
	id          INTEGER PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.Query(`SELECT id FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning schema_migrations: %w", err)
		}
		applied[id] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		if s.log != nil {
			s.log.Info("applying migration", zap.Int("id", m.id), zap.String("description", m.description))
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d: begin: %w", m.id, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.id, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (id, description) VALUES (?, ?)`, m.id, m.description); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: recording: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.id, err)
		}
	}
	return nil
}
