package storage

import (
	"fmt"
	"time"

	"github.com/fankserver/meeting-pipeline/internal/model"
)

// RecordingRepo is the SQL-backed repository of TempRecording and
// PersistentRecording rows, satisfying chunker.RecordingRepo.
type RecordingRepo struct {
	db *DB
}

// NewRecordingRepo wraps db.
func NewRecordingRepo(db *DB) *RecordingRepo {
	return &RecordingRepo{db: db}
}

// InsertTempRecording persists a newly flushed chunk (spec.md §4.3 chunk
// emission). Failure leaves the caller (the chunker) to clean up the
// orphaned PCM file it already wrote.
func (r *RecordingRepo) InsertTempRecording(rec model.TempRecording) error {
	_, err := r.db.Exec(
		`INSERT INTO temp_recordings (id, user_id, meeting_id, chunk_idx, start_timestamp_ms, filename, transcode_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.UserID, rec.MeetingID, rec.ChunkIdx, rec.StartTimestampMs, rec.Filename, string(rec.TranscodeStatus), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: inserting temp recording %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateTranscodeStatus is called by the PCM->MP3 transcode job as it
// progresses queued -> in_progress -> {done, failed}.
func (r *RecordingRepo) UpdateTranscodeStatus(id string, status model.TranscodeStatus) error {
	_, err := r.db.Exec(`UPDATE temp_recordings SET transcode_status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("storage: updating transcode status for %s: %w", id, err)
	}
	return nil
}

// DeleteTempRecording removes a TempRecording row after successful
// promotion into a PersistentRecording, per spec.md §4.3 step 6.
func (r *RecordingRepo) DeleteTempRecording(id string) error {
	_, err := r.db.Exec(`DELETE FROM temp_recordings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: deleting temp recording %s: %w", id, err)
	}
	return nil
}

// ListTempRecordings returns one user's chunks for a meeting in chunk_idx
// order, as required by the monotonic-chunk-index invariant.
func (r *RecordingRepo) ListTempRecordings(meetingID, userID string) ([]model.TempRecording, error) {
	rows, err := r.db.Query(
		`SELECT id, user_id, meeting_id, chunk_idx, start_timestamp_ms, filename, transcode_status, created_at
		 FROM temp_recordings WHERE meeting_id = $1 AND user_id = $2 ORDER BY chunk_idx ASC`,
		meetingID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing temp recordings for %s/%s: %w", meetingID, userID, err)
	}
	defer rows.Close()

	var out []model.TempRecording
	for rows.Next() {
		var rec model.TempRecording
		var status string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.MeetingID, &rec.ChunkIdx, &rec.StartTimestampMs, &rec.Filename, &status, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scanning temp recording row: %w", err)
		}
		rec.TranscodeStatus = model.TranscodeStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PendingTranscodeCount counts chunks still queued or in_progress for a
// meeting; the chunker's stop sequence polls this with backoff.
func (r *RecordingRepo) PendingTranscodeCount(meetingID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM temp_recordings WHERE meeting_id = $1 AND transcode_status IN ($2, $3)`,
		meetingID, string(model.TranscodeQueued), string(model.TranscodeInProgress),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: counting pending transcodes for %s: %w", meetingID, err)
	}
	return n, nil
}

// InsertPersistentRecording persists a promoted, fully-transcoded recording.
func (r *RecordingRepo) InsertPersistentRecording(rec model.PersistentRecording) error {
	_, err := r.db.Exec(
		`INSERT INTO persistent_recordings (id, user_id, meeting_id, duration_ms, sha256, filename)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.UserID, rec.MeetingID, rec.DurationMs, rec.SHA256, rec.Filename,
	)
	if err != nil {
		return fmt.Errorf("storage: inserting persistent recording %s: %w", rec.ID, err)
	}
	return nil
}

// ListPersistentRecordings returns every persistent recording for a
// meeting, consumed by Stage 1 (Transcribe).
func (r *RecordingRepo) ListPersistentRecordings(meetingID string) ([]model.PersistentRecording, error) {
	rows, err := r.db.Query(
		`SELECT id, user_id, meeting_id, duration_ms, sha256, filename FROM persistent_recordings WHERE meeting_id = $1`,
		meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing persistent recordings for %s: %w", meetingID, err)
	}
	defer rows.Close()

	var out []model.PersistentRecording
	for rows.Next() {
		var rec model.PersistentRecording
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.MeetingID, &rec.DurationMs, &rec.SHA256, &rec.Filename); err != nil {
			return nil, fmt.Errorf("storage: scanning persistent recording row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteExpiredTempRecordings removes done/failed TempRecording rows older
// than olderThan, implementing the background TTL task from spec.md §4.3.
func (r *RecordingRepo) DeleteExpiredTempRecordings(olderThan time.Time) (int, error) {
	res, err := r.db.Exec(
		`DELETE FROM temp_recordings WHERE created_at < $1 AND transcode_status IN ($2, $3)`,
		olderThan, string(model.TranscodeDone), string(model.TranscodeFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: deleting expired temp recordings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: counting deleted temp recordings: %w", err)
	}
	return int(n), nil
}
