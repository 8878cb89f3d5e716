package storage

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/fankserver/meeting-pipeline/internal/model"
)

// MeetingRepo is the SQL-backed repository of Meeting rows, satisfying
// session.MeetingRepo.
type MeetingRepo struct {
	db *DB
}

// NewMeetingRepo wraps db.
func NewMeetingRepo(db *DB) *MeetingRepo {
	return &MeetingRepo{db: db}
}

// InsertMeeting persists a newly started meeting.
func (r *MeetingRepo) InsertMeeting(m model.Meeting) error {
	_, err := r.db.Exec(
		`INSERT INTO meetings (id, guild_id, channel_id, requester_id, started_at, status, participants)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.GuildID, m.ChannelID, m.RequesterID, m.StartedAt, string(m.Status), pq.Array(m.Participants),
	)
	if err != nil {
		return fmt.Errorf("storage: inserting meeting %s: %w", m.ID, err)
	}
	return nil
}

// UpdateMeetingStatus advances a meeting's lifecycle status. Per spec.md
// §3's monotonicity invariant, callers are responsible for only ever moving
// forward through {scheduled, recording, processing, transcribing,
// completed}; this repo does not itself enforce ordering since it has no
// visibility into which transition is "backward" for recording->processing.
func (r *MeetingRepo) UpdateMeetingStatus(id string, status model.MeetingStatus) error {
	res, err := r.db.Exec(`UPDATE meetings SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("storage: updating meeting %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: checking rows affected for meeting %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("storage: meeting %s not found", id)
	}
	return nil
}

// MarkEnded stamps ended_at. Session shutdown does not call it: StopSession
// leaves ended_at unset.
func (r *MeetingRepo) MarkEnded(id string, endedAt sql.NullTime) error {
	_, err := r.db.Exec(`UPDATE meetings SET ended_at = $2 WHERE id = $1`, id, endedAt)
	if err != nil {
		return fmt.Errorf("storage: marking meeting %s ended: %w", id, err)
	}
	return nil
}

// GetMeeting loads one meeting row by ID.
func (r *MeetingRepo) GetMeeting(id string) (model.Meeting, error) {
	var m model.Meeting
	var status string
	var endedAt sql.NullTime
	var participants pq.StringArray

	err := r.db.QueryRow(
		`SELECT id, guild_id, channel_id, requester_id, started_at, ended_at, status, participants
		 FROM meetings WHERE id = $1`, id,
	).Scan(&m.ID, &m.GuildID, &m.ChannelID, &m.RequesterID, &m.StartedAt, &endedAt, &status, &participants)
	if err != nil {
		return model.Meeting{}, fmt.Errorf("storage: loading meeting %s: %w", id, err)
	}

	m.Status = model.MeetingStatus(status)
	m.Participants = []string(participants)
	if endedAt.Valid {
		t := endedAt.Time
		m.EndedAt = &t
	}
	return m, nil
}
