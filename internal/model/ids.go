// Package model defines the persisted data shapes shared by every pipeline
// stage: meetings, recordings, transcripts, and job status rows.
package model

import "github.com/google/uuid"

// NewID returns a 16-character opaque identifier derived from a random UUID,
// used as the primary key for meetings, recordings, transcripts, and jobs.
func NewID() string {
	return uuid.New().String()[:16]
}
