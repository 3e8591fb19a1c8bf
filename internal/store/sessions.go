package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// OpenSession is idempotent: if a session with the same (profile, schedule,
// date) key already exists, whatever its status, it is returned unchanged.
// Otherwise a new session row is inserted in the 'active' status.
func (s *Store) OpenSession(profileID, scheduleID, dateLocal string, startTime time.Time) (string, error) {
	id := SessionKey(profileID, scheduleID, dateLocal)

	tx, err := s.beginImmediate()
	if err != nil {
		return "", &StorageError{Op: "open_session", Err: err}
	}
	defer tx.Rollback()

	var existingStatus string
	err = tx.QueryRow(`SELECT status FROM sessions WHERE id = ?`, id).Scan(&existingStatus)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return "", &StorageError{Op: "open_session", Err: err}
		}
		return id, nil
	case err != sql.ErrNoRows:
		return "", &StorageError{Op: "open_session", Err: err}
	}

	_, err = tx.Exec(`
INSERT INTO sessions (id, profile_id, schedule_id, date_local, start_time, status, capture_count)
VALUES (?, ?, ?, ?, ?, 'active', 0)`,
		id, profileID, scheduleID, dateLocal, startTime.UTC())
	if err != nil {
		return "", &StorageError{Op: "open_session", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return "", &StorageError{Op: "open_session", Err: err}
	}
	return id, nil
}

// RecordCapture inserts a capture row and, in the same transaction, updates
// the owning session's capture_count, first_capture_time (only if unset)
// and last_capture_time.
func (s *Store) RecordCapture(sessionID, nodeID, filename string, timestamp time.Time, settingsApplied string, hdrGroupID *string) (int64, error) {
	tx, err := s.beginImmediate()
	if err != nil {
		return 0, &StorageError{Op: "record_capture", Err: err}
	}
	defer tx.Rollback()

	isBracketMember := hdrGroupID != nil

	res, err := tx.Exec(`
INSERT INTO captures (session_id, node_id, filename, timestamp, settings_applied, is_bracket_member, hdr_group_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, nodeID, filename, timestamp.UTC(), settingsApplied, isBracketMember, hdrGroupID)
	if err != nil {
		return 0, &StorageError{Op: "record_capture", Err: err}
	}
	captureID, err := res.LastInsertId()
	if err != nil {
		return 0, &StorageError{Op: "record_capture", Err: err}
	}

	_, err = tx.Exec(`
UPDATE sessions
SET capture_count = capture_count + 1,
    first_capture_time = COALESCE(first_capture_time, ?),
    last_capture_time = ?
WHERE id = ?`, timestamp.UTC(), timestamp.UTC(), sessionID)
	if err != nil {
		return 0, &StorageError{Op: "record_capture", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "record_capture", Err: err}
	}
	return captureID, nil
}

// CloseSession transitions a session to closed or failed. Closing an
// already-closed session is a no-op that logs a warning rather than an
// error, per spec §4.3.
func (s *Store) CloseSession(sessionID string, endTime time.Time, status SessionStatus) error {
	tx, err := s.beginImmediate()
	if err != nil {
		return &StorageError{Op: "close_session", Err: err}
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRow(`SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return &StorageError{Op: "close_session", Err: fmt.Errorf("session %s not found", sessionID)}
		}
		return &StorageError{Op: "close_session", Err: err}
	}

	if current == string(SessionClosed) || current == string(SessionFailed) {
		if s.log != nil {
			s.log.Warn("close_session called on already-closed session", zap.String("session_id", sessionID), zap.String("status", current))
		}
		return tx.Commit()
	}

	if _, err := tx.Exec(`UPDATE sessions SET status = ?, end_time = ? WHERE id = ?`, string(status), endTime.UTC(), sessionID); err != nil {
		return &StorageError{Op: "close_session", Err: err}
	}

	return tx.Commit()
}

// ListSessionCaptures returns a session's captures ordered by timestamp then
// id, matching the monotone-ordering invariant in spec §8.
func (s *Store) ListSessionCaptures(sessionID string) ([]Capture, error) {
	rows, err := s.db.Query(`
SELECT id, session_id, node_id, filename, timestamp, settings_applied, is_bracket_member, hdr_group_id, hdr_result_capture_id
FROM captures WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, &StorageError{Op: "list_session_captures", Err: err}
	}
	defer rows.Close()

	var captures []Capture
	for rows.Next() {
		var c Capture
		if err := rows.Scan(&c.ID, &c.SessionID, &c.NodeID, &c.Filename, &c.Timestamp, &c.SettingsApplied, &c.IsBracketMember, &c.HDRGroupID, &c.HDRResultCaptureID); err != nil {
			return nil, &StorageError{Op: "list_session_captures", Err: err}
		}
		captures = append(captures, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list_session_captures", Err: err}
	}
	return captures, nil
}

// ListRecentSessions returns the most recently started sessions, newest
// first, for the read-only inspection API.
func (s *Store) ListRecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
SELECT id, profile_id, schedule_id, date_local, start_time, end_time, status, capture_count, first_capture_time, last_capture_time
FROM sessions ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &StorageError{Op: "list_recent_sessions", Err: err}
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var status string
		if err := rows.Scan(&sess.ID, &sess.ProfileID, &sess.ScheduleID, &sess.DateLocal, &sess.StartTime, &sess.EndTime,
			&status, &sess.CaptureCount, &sess.FirstCaptureTime, &sess.LastCaptureTime); err != nil {
			return nil, &StorageError{Op: "list_recent_sessions", Err: err}
		}
		sess.Status = SessionStatus(status)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list_recent_sessions", Err: err}
	}
	return sessions, nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(sessionID string) (Session, error) {
	var sess Session
	var status string
	err := s.db.QueryRow(`
SELECT id, profile_id, schedule_id, date_local, start_time, end_time, status, capture_count, first_capture_time, last_capture_time
FROM sessions WHERE id = ?`, sessionID).Scan(
		&sess.ID, &sess.ProfileID, &sess.ScheduleID, &sess.DateLocal, &sess.StartTime, &sess.EndTime,
		&status, &sess.CaptureCount, &sess.FirstCaptureTime, &sess.LastCaptureTime)
	if err != nil {
		if err == sql.ErrNoRows {
			return Session{}, &StorageError{Op: "get_session", Err: fmt.Errorf("session %s not found", sessionID)}
		}
		return Session{}, &StorageError{Op: "get_session", Err: err}
	}
	sess.Status = SessionStatus(status)
	return sess, nil
}

// ListActiveSessions returns every session currently in the 'active'
// status, used by crash recovery (spec §5) to rebuild prev_active.
func (s *Store) ListActiveSessions() ([]Session, error) {
	rows, err := s.db.Query(`
SELECT id, profile_id, schedule_id, date_local, start_time, end_time, status, capture_count, first_capture_time, last_capture_time
FROM sessions WHERE status = 'active'`)
	if err != nil {
		return nil, &StorageError{Op: "list_active_sessions", Err: err}
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var status string
		if err := rows.Scan(&sess.ID, &sess.ProfileID, &sess.ScheduleID, &sess.DateLocal, &sess.StartTime, &sess.EndTime,
			&status, &sess.CaptureCount, &sess.FirstCaptureTime, &sess.LastCaptureTime); err != nil {
			return nil, &StorageError{Op: "list_active_sessions", Err: err}
		}
		sess.Status = SessionStatus(status)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list_active_sessions", Err: err}
	}
	return sessions, nil
}

// RecordVideo inserts a generated video artifact row.
func (s *Store) RecordVideo(v Video) (int64, error) {
	res, err := s.db.Exec(`
INSERT INTO videos (session_id, output_path, frame_count, duration_ms, size_bytes, thumbnail_path, quality_preset, content_hash, created_at, status, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.SessionID, v.OutputPath, v.FrameCount, v.DurationMS, v.SizeBytes, v.ThumbnailPath, v.QualityPreset, v.ContentHash, v.CreatedAt.UTC(), string(v.Status), v.Error)
	if err != nil {
		return 0, &StorageError{Op: "record_video", Err: err}
	}
	return res.LastInsertId()
}

// GetVideoBySession returns the most recent video recorded for a session, if
// any. Used by the worker to detect an existing artifact before re-encoding.
func (s *Store) GetVideoBySession(sessionID string) (Video, bool, error) {
	var v Video
	var status string
	err := s.db.QueryRow(`
SELECT id, session_id, output_path, frame_count, duration_ms, size_bytes, thumbnail_path, quality_preset, content_hash, created_at, status, error
FROM videos WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID).Scan(
		&v.ID, &v.SessionID, &v.OutputPath, &v.FrameCount, &v.DurationMS, &v.SizeBytes, &v.ThumbnailPath, &v.QualityPreset, &v.ContentHash, &v.CreatedAt, &status, &v.Error)
	if err == sql.ErrNoRows {
		return Video{}, false, nil
	}
	if err != nil {
		return Video{}, false, &StorageError{Op: "get_video_by_session", Err: err}
	}
	v.Status = VideoStatus(status)
	return v, true, nil
}

// beginImmediate starts a transaction with SQLite's IMMEDIATE lock mode.
// The DSN carries _txlock=immediate (see Open), so every Begin() already
// acquires the write lock up front rather than on first write.
func (s *Store) beginImmediate() (*sql.Tx, error) {
	return s.db.Begin()
}
