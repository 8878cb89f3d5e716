package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/fankserver/meeting-pipeline/internal/model"
)

// TranscriptRepo is the SQL-backed repository of UserTranscript and
// CompiledTranscript rows consumed and produced by Stages 1-4.
type TranscriptRepo struct {
	db *DB
}

// NewTranscriptRepo wraps db.
func NewTranscriptRepo(db *DB) *TranscriptRepo {
	return &TranscriptRepo{db: db}
}

// InsertUserTranscript persists Stage 1's output for one recording.
func (r *TranscriptRepo) InsertUserTranscript(t model.UserTranscript) error {
	segments, err := json.Marshal(t.Segments)
	if err != nil {
		return fmt.Errorf("storage: marshaling segments for transcript %s: %w", t.ID, err)
	}
	_, err = r.db.Exec(
		`INSERT INTO user_transcripts (id, meeting_id, user_id, recording_id, sha256, filename, segments, raw_engine_text)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.MeetingID, t.UserID, t.RecordingID, t.SHA256, t.Filename, segments, t.RawEngineText,
	)
	if err != nil {
		return fmt.Errorf("storage: inserting user transcript %s: %w", t.ID, err)
	}
	return nil
}

// ListUserTranscripts returns every UserTranscript for a meeting, consumed
// by Stage 2 (Compile).
func (r *TranscriptRepo) ListUserTranscripts(meetingID string) ([]model.UserTranscript, error) {
	rows, err := r.db.Query(
		`SELECT id, meeting_id, user_id, recording_id, sha256, filename, segments, raw_engine_text, summary, summary_layers, summarized_at
		 FROM user_transcripts WHERE meeting_id = $1`, meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing user transcripts for %s: %w", meetingID, err)
	}
	defer rows.Close()

	var out []model.UserTranscript
	for rows.Next() {
		t, err := scanUserTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUserTranscript(rows rowScanner) (model.UserTranscript, error) {
	var t model.UserTranscript
	var segmentsRaw []byte
	var summary sql.NullString
	var layersRaw []byte
	var summarizedAt sql.NullTime

	if err := rows.Scan(&t.ID, &t.MeetingID, &t.UserID, &t.RecordingID, &t.SHA256, &t.Filename, &segmentsRaw, &t.RawEngineText, &summary, &layersRaw, &summarizedAt); err != nil {
		return model.UserTranscript{}, fmt.Errorf("storage: scanning user transcript row: %w", err)
	}
	if len(segmentsRaw) > 0 {
		if err := json.Unmarshal(segmentsRaw, &t.Segments); err != nil {
			return model.UserTranscript{}, fmt.Errorf("storage: unmarshaling segments: %w", err)
		}
	}
	if summary.Valid {
		t.Summary = summary.String
	}
	if len(layersRaw) > 0 {
		if err := json.Unmarshal(layersRaw, &t.SummaryLayers); err != nil {
			return model.UserTranscript{}, fmt.Errorf("storage: unmarshaling summary layers: %w", err)
		}
	}
	if summarizedAt.Valid {
		ts := summarizedAt.Time
		t.SummarizedAt = &ts
	}
	return t, nil
}

// UpdateUserTranscriptSummary writes Stage 3's recursive-summarization
// output back into the UserTranscript row (spec.md §4.5 Stage 3: "Persist
// ... into ... each UserTranscript file").
func (r *TranscriptRepo) UpdateUserTranscriptSummary(id, summary string, layers model.SummaryLayers, summarizedAt sql.NullTime) error {
	layersJSON, err := json.Marshal(layers)
	if err != nil {
		return fmt.Errorf("storage: marshaling summary layers for %s: %w", id, err)
	}
	_, err = r.db.Exec(
		`UPDATE user_transcripts SET summary = $2, summary_layers = $3, summarized_at = $4 WHERE id = $1`,
		id, summary, layersJSON, summarizedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: updating summary for user transcript %s: %w", id, err)
	}
	return nil
}

// InsertCompiledTranscript persists Stage 2's meeting-level merged
// transcript.
func (r *TranscriptRepo) InsertCompiledTranscript(c model.CompiledTranscript) error {
	segments, err := json.Marshal(c.Segments)
	if err != nil {
		return fmt.Errorf("storage: marshaling compiled segments for %s: %w", c.ID, err)
	}
	_, err = r.db.Exec(
		`INSERT INTO compiled_transcripts (id, meeting_id, sha256, filename, compiled_at, user_ids, segments)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.MeetingID, c.SHA256, c.Filename, c.CompiledAt, pq.Array(c.UserIDs), segments,
	)
	if err != nil {
		return fmt.Errorf("storage: inserting compiled transcript %s: %w", c.ID, err)
	}
	return nil
}

// GetCompiledTranscript loads the (assumed singular) compiled transcript
// for a meeting, consumed by Stages 3 and 4.
func (r *TranscriptRepo) GetCompiledTranscript(meetingID string) (model.CompiledTranscript, error) {
	var c model.CompiledTranscript
	var userIDs pq.StringArray
	var segmentsRaw []byte
	var summary sql.NullString
	var layersRaw []byte
	var summarizedAt sql.NullTime
	var embedded bool

	err := r.db.QueryRow(
		`SELECT id, meeting_id, sha256, filename, compiled_at, user_ids, segments, summary, summary_layers, summarized_at, embedded_in_vector_store
		 FROM compiled_transcripts WHERE meeting_id = $1 ORDER BY compiled_at DESC LIMIT 1`, meetingID,
	).Scan(&c.ID, &c.MeetingID, &c.SHA256, &c.Filename, &c.CompiledAt, &userIDs, &segmentsRaw, &summary, &layersRaw, &summarizedAt, &embedded)
	if err != nil {
		return model.CompiledTranscript{}, fmt.Errorf("storage: loading compiled transcript for %s: %w", meetingID, err)
	}

	c.UserIDs = []string(userIDs)
	c.EmbeddedInVectorStore = embedded
	if len(segmentsRaw) > 0 {
		if err := json.Unmarshal(segmentsRaw, &c.Segments); err != nil {
			return model.CompiledTranscript{}, fmt.Errorf("storage: unmarshaling compiled segments: %w", err)
		}
	}
	if summary.Valid {
		c.Summary = summary.String
	}
	if len(layersRaw) > 0 {
		if err := json.Unmarshal(layersRaw, &c.SummaryLayers); err != nil {
			return model.CompiledTranscript{}, fmt.Errorf("storage: unmarshaling compiled summary layers: %w", err)
		}
	}
	if summarizedAt.Valid {
		ts := summarizedAt.Time
		c.SummarizedAt = &ts
	}
	return c, nil
}

// UpdateCompiledTranscriptSummary mirrors UpdateUserTranscriptSummary for
// the meeting-level compiled transcript.
func (r *TranscriptRepo) UpdateCompiledTranscriptSummary(id, summary string, layers model.SummaryLayers, summarizedAt sql.NullTime) error {
	layersJSON, err := json.Marshal(layers)
	if err != nil {
		return fmt.Errorf("storage: marshaling summary layers for compiled transcript %s: %w", id, err)
	}
	_, err = r.db.Exec(
		`UPDATE compiled_transcripts SET summary = $2, summary_layers = $3, summarized_at = $4 WHERE id = $1`,
		id, summary, layersJSON, summarizedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: updating summary for compiled transcript %s: %w", id, err)
	}
	return nil
}

// MarkCompiledTranscriptEmbedded flips the embedded-in-vector-store flag
// once Stage 4 (Embed) completes, making re-runs idempotent-observable.
func (r *TranscriptRepo) MarkCompiledTranscriptEmbedded(id string) error {
	_, err := r.db.Exec(`UPDATE compiled_transcripts SET embedded_in_vector_store = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: marking compiled transcript %s embedded: %w", id, err)
	}
	return nil
}
