package store

import "time"

// ListCapturesByHDRGroup returns every bracket member sharing groupID,
// ordered by id so the merge job sees exposures in capture order.
func (s *Store) ListCapturesByHDRGroup(groupID string) ([]Capture, error) {
	rows, err := s.db.Query(`
SELECT id, session_id, node_id, filename, timestamp, settings_applied, is_bracket_member, hdr_group_id, hdr_result_capture_id
FROM captures WHERE hdr_group_id = ? ORDER BY id ASC`, groupID)
	if err != nil {
		return nil, &StorageError{Op: "list_captures_by_hdr_group", Err: err}
	}
	defer rows.Close()

	var captures []Capture
	for rows.Next() {
		var c Capture
		if err := rows.Scan(&c.ID, &c.SessionID, &c.NodeID, &c.Filename, &c.Timestamp, &c.SettingsApplied, &c.IsBracketMember, &c.HDRGroupID, &c.HDRResultCaptureID); err != nil {
			return nil, &StorageError{Op: "list_captures_by_hdr_group", Err: err}
		}
		captures = append(captures, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list_captures_by_hdr_group", Err: err}
	}
	return captures, nil
}

// RecordHDRMergeResult inserts the merged capture row produced by an
// hdr_merge job and points every bracket member in groupID at it, in one
// transaction (spec §4.8: "a later hdr_merge job produces one merged
// capture referencing the group").
func (s *Store) RecordHDRMergeResult(sessionID, nodeID, filename, groupID string, timestamp time.Time) (int64, error) {
	tx, err := s.beginImmediate()
	if err != nil {
		return 0, &StorageError{Op: "record_hdr_merge_result", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
INSERT INTO captures (session_id, node_id, filename, timestamp, settings_applied, is_bracket_member, hdr_group_id)
VALUES (?, ?, ?, ?, '{}', 0, NULL)`,
		sessionID, nodeID, filename, timestamp.UTC())
	if err != nil {
		return 0, &StorageError{Op: "record_hdr_merge_result", Err: err}
	}
	resultID, err := res.LastInsertId()
	if err != nil {
		return 0, &StorageError{Op: "record_hdr_merge_result", Err: err}
	}

	if _, err := tx.Exec(`UPDATE captures SET hdr_result_capture_id = ? WHERE hdr_group_id = ?`, resultID, groupID); err != nil {
		return 0, &StorageError{Op: "record_hdr_merge_result", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "record_hdr_merge_result", Err: err}
	}
	return resultID, nil
}
