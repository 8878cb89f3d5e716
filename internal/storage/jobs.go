package storage

import (
	"database/sql"
	"fmt"

	"github.com/fankserver/meeting-pipeline/internal/model"
)

// JobRepo is the SQL-backed repository of JobStatus rows, giving external
// observers at-least-once visibility into each stage's progress per
// spec.md §3.
type JobRepo struct {
	db *DB
}

// NewJobRepo wraps db.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// InsertJob records a job as pending at enqueue time.
func (r *JobRepo) InsertJob(j model.JobStatus) error {
	_, err := r.db.Exec(
		`INSERT INTO job_statuses (id, type, meeting_id, created_at, started_at, finished_at, status, error_log)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.ID, string(j.Type), j.MeetingID, j.CreatedAt, j.StartedAt, j.FinishedAt, string(j.Status), j.ErrorLog,
	)
	if err != nil {
		return fmt.Errorf("storage: inserting job status %s: %w", j.ID, err)
	}
	return nil
}

// MarkStarted moves a job to in_progress. Called from a queue.Callbacks.OnStarted hook.
func (r *JobRepo) MarkStarted(id string, startedAt sql.NullTime) error {
	_, err := r.db.Exec(
		`UPDATE job_statuses SET status = $2, started_at = $3 WHERE id = $1 AND status = $4`,
		id, string(model.JobInProgress), startedAt, string(model.JobPending),
	)
	if err != nil {
		return fmt.Errorf("storage: marking job %s started: %w", id, err)
	}
	return nil
}

// MarkCompleted moves a job to completed. Called from a queue.Callbacks.OnComplete hook.
func (r *JobRepo) MarkCompleted(id string, finishedAt sql.NullTime) error {
	_, err := r.db.Exec(
		`UPDATE job_statuses SET status = $2, finished_at = $3 WHERE id = $1`,
		id, string(model.JobCompleted), finishedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: marking job %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed moves a job to failed, recording the final error. Called from a
// queue.Callbacks.OnFailed hook after retries are exhausted.
func (r *JobRepo) MarkFailed(id string, finishedAt sql.NullTime, errLog string) error {
	_, err := r.db.Exec(
		`UPDATE job_statuses SET status = $2, finished_at = $3, error_log = $4 WHERE id = $1`,
		id, string(model.JobFailed), finishedAt, errLog,
	)
	if err != nil {
		return fmt.Errorf("storage: marking job %s failed: %w", id, err)
	}
	return nil
}

// MarkSkipped moves a job to skipped, used when an upstream stage produced
// zero usable output and a downstream stage is intentionally not enqueued
// (spec.md §4.5 Stage 1 failure-isolation rule).
func (r *JobRepo) MarkSkipped(id string, finishedAt sql.NullTime, reason string) error {
	_, err := r.db.Exec(
		`UPDATE job_statuses SET status = $2, finished_at = $3, error_log = $4 WHERE id = $1`,
		id, string(model.JobSkipped), finishedAt, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: marking job %s skipped: %w", id, err)
	}
	return nil
}

// GetJob loads a single job status row, used by status-query callers.
func (r *JobRepo) GetJob(id string) (model.JobStatus, error) {
	var j model.JobStatus
	var jobType, status string
	var startedAt, finishedAt sql.NullTime
	var errLog sql.NullString

	err := r.db.QueryRow(
		`SELECT id, type, meeting_id, created_at, started_at, finished_at, status, error_log
		 FROM job_statuses WHERE id = $1`, id,
	).Scan(&j.ID, &jobType, &j.MeetingID, &j.CreatedAt, &startedAt, &finishedAt, &status, &errLog)
	if err != nil {
		return model.JobStatus{}, fmt.Errorf("storage: loading job %s: %w", id, err)
	}

	j.Type = model.JobType(jobType)
	j.Status = model.JobRunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	if errLog.Valid {
		j.ErrorLog = errLog.String
	}
	return j, nil
}

// ListJobsForMeeting returns every job tracked for a meeting, newest first,
// for a pipeline status dashboard or debugging query.
func (r *JobRepo) ListJobsForMeeting(meetingID string) ([]model.JobStatus, error) {
	rows, err := r.db.Query(
		`SELECT id, type, meeting_id, created_at, started_at, finished_at, status, error_log
		 FROM job_statuses WHERE meeting_id = $1 ORDER BY created_at DESC`, meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing jobs for meeting %s: %w", meetingID, err)
	}
	defer rows.Close()

	var out []model.JobStatus
	for rows.Next() {
		var j model.JobStatus
		var jobType, status string
		var startedAt, finishedAt sql.NullTime
		var errLog sql.NullString

		if err := rows.Scan(&j.ID, &jobType, &j.MeetingID, &j.CreatedAt, &startedAt, &finishedAt, &status, &errLog); err != nil {
			return nil, fmt.Errorf("storage: scanning job status row: %w", err)
		}
		j.Type = model.JobType(jobType)
		j.Status = model.JobRunStatus(status)
		if startedAt.Valid {
			t := startedAt.Time
			j.StartedAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			j.FinishedAt = &t
		}
		if errLog.Valid {
			j.ErrorLog = errLog.String
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
