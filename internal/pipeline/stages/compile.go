package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/meeting-pipeline/internal/model"
)

// UserTranscriptLister loads every UserTranscript row for a meeting.
type UserTranscriptLister interface {
	ListUserTranscripts(meetingID string) ([]model.UserTranscript, error)
}

// CompiledTranscriptWriter persists Stage 2's output.
type CompiledTranscriptWriter interface {
	InsertCompiledTranscript(c model.CompiledTranscript) error
}

// CompileJob is Stage 2 (spec.md §4.5): merge every UserTranscript for a
// meeting into one time-ordered CompiledTranscript.
type CompileJob struct {
	MeetingID string
	Lister    UserTranscriptLister
	Writer    CompiledTranscriptWriter
}

// ID implements queue.Job.
func (j *CompileJob) ID() string { return j.MeetingID + ":compile" }

// Execute implements queue.Job. It loads every UserTranscript for the
// meeting, flattens their segments into CompiledSegments, stable-sorts
// them ascending by start time, and writes the merged transcript.
func (j *CompileJob) Execute(_ context.Context) error {
	transcripts, err := j.Lister.ListUserTranscripts(j.MeetingID)
	if err != nil {
		return fmt.Errorf("stages: listing user transcripts for %s: %w", j.MeetingID, err)
	}

	var segments []model.CompiledSegment
	userIDs := make(map[string]bool)
	for _, t := range transcripts {
		userIDs[t.UserID] = true
		for _, seg := range t.Segments {
			var cs model.CompiledSegment
			cs.Timestamp.StartTime = seg.Start
			cs.Timestamp.EndTime = seg.End
			cs.Speaker.UserID = t.UserID
			cs.Speaker.UserTranscriptionFile = t.Filename
			cs.Content = seg.Text
			segments = append(segments, cs)
		}
	}

	sort.SliceStable(segments, func(a, b int) bool {
		return segments[a].Timestamp.StartTime < segments[b].Timestamp.StartTime
	})

	ids := make([]string, 0, len(userIDs))
	for id := range userIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sum, err := hashSegments(segments)
	if err != nil {
		return fmt.Errorf("stages: hashing compiled segments for %s: %w", j.MeetingID, err)
	}

	compiled := model.CompiledTranscript{
		ID:         model.NewID(),
		MeetingID:  j.MeetingID,
		SHA256:     sum,
		Filename:   fmt.Sprintf("transcript_%s.json", j.MeetingID),
		CompiledAt: time.Now().UTC(),
		UserIDs:    ids,
		Segments:   segments,
	}
	if err := j.Writer.InsertCompiledTranscript(compiled); err != nil {
		return fmt.Errorf("stages: persisting compiled transcript for %s: %w", j.MeetingID, err)
	}

	logrus.WithFields(logrus.Fields{
		"stage":            "compile",
		"meeting_id":       j.MeetingID,
		"transcript_count": compiled.TranscriptCount(),
		"segment_count":    compiled.SegmentCount(),
	}).Info("compiled transcript written")
	return nil
}

func hashSegments(segments []model.CompiledSegment) (string, error) {
	b, err := json.Marshal(segments)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
