// Package storage implements the persistence & status layer (spec C7): SQL
// repositories for Meeting, TempRecording, PersistentRecording,
// UserTranscript, CompiledTranscript, and JobStatus rows, plus a local-disk
// ChunkStore for PCM/MP3 bytes. Grounded on the pool-configuration and
// migration style of EternisAI-enchanted-proxy's internal/storage/pg
// (sql.Open("postgres", ...) + connection-pool tuning via lib/pq), adapted
// to hand-written SQL instead of sqlc/goose since this repo's schema is
// small and fixed (see DESIGN.md).
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PoolConfig mirrors the teacher's DB pool tuning knobs.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig matches typical small-service pool sizing.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DB wraps the shared *sql.DB connection pool every repository in this
// package is built on top of.
type DB struct {
	*sql.DB
}

// Open connects to Postgres, applies pool tuning, verifies connectivity,
// and creates the schema if it does not already exist.
func Open(dsn string, cfg PoolConfig) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: opening database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("storage: pinging database: %w", err)
	}

	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("storage: applying schema: %w", err)
	}

	logrus.WithField("component", "storage").Info("database connected and schema applied")
	return &DB{DB: sqlDB}, nil
}

// schemaSQL creates every table from spec.md §3 idempotently. Enum columns
// are stored as their string values per spec.md §6.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS meetings (
	id           CHAR(16) PRIMARY KEY,
	guild_id     TEXT NOT NULL,
	channel_id   TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ,
	status       TEXT NOT NULL,
	participants TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS temp_recordings (
	id                 CHAR(16) PRIMARY KEY,
	user_id            TEXT NOT NULL,
	meeting_id         CHAR(16) NOT NULL REFERENCES meetings(id),
	chunk_idx          INT NOT NULL,
	start_timestamp_ms BIGINT NOT NULL,
	filename           TEXT NOT NULL,
	transcode_status   TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_temp_recordings_meeting_user ON temp_recordings(meeting_id, user_id);

CREATE TABLE IF NOT EXISTS persistent_recordings (
	id          CHAR(16) PRIMARY KEY,
	user_id     TEXT NOT NULL,
	meeting_id  CHAR(16) NOT NULL REFERENCES meetings(id),
	duration_ms BIGINT NOT NULL,
	sha256      TEXT NOT NULL,
	filename    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_persistent_recordings_meeting ON persistent_recordings(meeting_id);

CREATE TABLE IF NOT EXISTS user_transcripts (
	id             CHAR(16) PRIMARY KEY,
	meeting_id     CHAR(16) NOT NULL REFERENCES meetings(id),
	user_id        TEXT NOT NULL,
	recording_id   CHAR(16) NOT NULL,
	sha256         TEXT NOT NULL,
	filename       TEXT NOT NULL,
	segments       JSONB NOT NULL DEFAULT '[]',
	raw_engine_text TEXT NOT NULL DEFAULT '',
	summary        TEXT,
	summary_layers JSONB,
	summarized_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_user_transcripts_meeting ON user_transcripts(meeting_id);

CREATE TABLE IF NOT EXISTS compiled_transcripts (
	id                        CHAR(16) PRIMARY KEY,
	meeting_id                CHAR(16) NOT NULL REFERENCES meetings(id),
	sha256                    TEXT NOT NULL,
	filename                  TEXT NOT NULL,
	compiled_at               TIMESTAMPTZ NOT NULL,
	user_ids                  TEXT[] NOT NULL DEFAULT '{}',
	segments                  JSONB NOT NULL DEFAULT '[]',
	summary                   TEXT,
	summary_layers            JSONB,
	summarized_at             TIMESTAMPTZ,
	embedded_in_vector_store  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_compiled_transcripts_meeting ON compiled_transcripts(meeting_id);

CREATE TABLE IF NOT EXISTS job_statuses (
	id          CHAR(16) PRIMARY KEY,
	type        TEXT NOT NULL,
	meeting_id  CHAR(16) NOT NULL REFERENCES meetings(id),
	created_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL,
	error_log   TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_statuses_meeting ON job_statuses(meeting_id);
`
