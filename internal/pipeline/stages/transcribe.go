// Package stages implements the C6 per-stage business logic: Transcribe,
// Compile, Summarize, Embed. Each type is a queue.Job run by its own
// single-worker queue.Queue (wired together in internal/pipeline), the
// way the teacher's internal/pipeline/worker.go ran a single Job
// interface, generalized to spec.md §4.5's four-stage pipeline.
package stages

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/meeting-pipeline/internal/gpuarb"
	"github.com/fankserver/meeting-pipeline/internal/model"
	"github.com/fankserver/meeting-pipeline/pkg/transcriber"
)

// RecordingLister lists the persistent recordings a Transcribe job should
// process.
type RecordingLister interface {
	ListPersistentRecordings(meetingID string) ([]model.PersistentRecording, error)
}

// RecordingReader reads back a persistent recording's encoded bytes by
// filename.
type RecordingReader interface {
	ReadPersistentRecording(filename string) ([]byte, error)
}

// TranscriptWriter persists Stage 1's output rows.
type TranscriptWriter interface {
	InsertUserTranscript(t model.UserTranscript) error
}

// TranscribeJob is Stage 1 (spec.md §4.5): for each PersistentRecording,
// acquire the GPU for class transcription, call the speech engine with
// word-level timestamps, and write a UserTranscript row.
type TranscribeJob struct {
	MeetingID    string
	RecordingIDs []string
	UserIDs      []string

	Lister      RecordingLister
	Reader      RecordingReader
	Transcriber transcriber.Transcriber
	Writer      TranscriptWriter
	Arb         *gpuarb.Arbitrator

	mu         sync.Mutex
	succeeded  int
	attempted  int
	logger     *logrus.Entry
}

// ID implements queue.Job.
func (j *TranscribeJob) ID() string { return j.MeetingID + ":transcribe" }

// Succeeded reports how many recordings produced a UserTranscript, used
// by the orchestrator to decide whether Compile should be enqueued
// (spec.md §7: "if zero transcripts succeed, Compile is not enqueued").
func (j *TranscribeJob) Succeeded() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.succeeded
}

func (j *TranscribeJob) logf() *logrus.Entry {
	if j.logger == nil {
		j.logger = logrus.WithFields(logrus.Fields{"stage": "transcribe", "meeting_id": j.MeetingID})
	}
	return j.logger
}

// Execute implements queue.Job. Per-item failures (one user's recording
// fails to transcribe) are logged and skipped; the job itself only fails
// if listing recordings fails outright.
func (j *TranscribeJob) Execute(ctx context.Context) error {
	recordings, err := j.Lister.ListPersistentRecordings(j.MeetingID)
	if err != nil {
		return fmt.Errorf("stages: listing persistent recordings for %s: %w", j.MeetingID, err)
	}

	wanted := toSet(j.RecordingIDs)
	for _, rec := range recordings {
		if len(wanted) > 0 && !wanted[rec.ID] {
			continue
		}
		j.mu.Lock()
		j.attempted++
		j.mu.Unlock()

		if err := j.transcribeOne(ctx, rec); err != nil {
			j.logf().WithError(err).WithField("recording_id", rec.ID).Warn("skipping recording that failed to transcribe")
			continue
		}
		j.mu.Lock()
		j.succeeded++
		j.mu.Unlock()
	}

	return nil
}

func (j *TranscribeJob) transcribeOne(ctx context.Context, rec model.PersistentRecording) error {
	audio, err := j.Reader.ReadPersistentRecording(rec.Filename)
	if err != nil {
		return fmt.Errorf("reading audio: %w", err)
	}

	var result *transcriber.TranscriptResult
	acqErr := gpuarb.WithGPU(ctx, j.Arb, gpuarb.ClassTranscription, rec.ID, func(ctx context.Context) error {
		var execErr error
		result, execErr = j.Transcriber.TranscribeWithContext(audio, transcriber.TranscriptionOptions{EnableTimestamps: true})
		return execErr
	})
	if acqErr != nil {
		return fmt.Errorf("transcribing: %w", acqErr)
	}

	segments := segmentsFromWords(result.Text, result.Words)

	t := model.UserTranscript{
		ID:            model.NewID(),
		MeetingID:     j.MeetingID,
		UserID:        rec.UserID,
		RecordingID:   rec.ID,
		SHA256:        rec.SHA256,
		Filename:      fmt.Sprintf("transcript_%s_%s_%s.json", j.MeetingID, rec.UserID, rec.ID),
		Segments:      segments,
		RawEngineText: result.Text,
	}
	if err := j.Writer.InsertUserTranscript(t); err != nil {
		return fmt.Errorf("persisting transcript: %w", err)
	}
	return nil
}

// segmentsFromWords groups word-level timings into sentence-bounded
// segments, splitting on sentence-final punctuation; when the engine
// returns no word timings, the whole transcript becomes one segment
// spanning [0, 0] (duration unknown at this layer).
func segmentsFromWords(text string, words []transcriber.WordTiming) []model.Segment {
	if len(words) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []model.Segment{{Start: 0, End: 0, Text: text}}
	}

	var segments []model.Segment
	var current []transcriber.WordTiming
	flush := func() {
		if len(current) == 0 {
			return
		}
		var sb strings.Builder
		for i, w := range current {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(w.Word)
		}
		segments = append(segments, model.Segment{
			Start: current[0].StartTime.Seconds(),
			End:   current[len(current)-1].EndTime.Seconds(),
			Text:  sb.String(),
			Words: toModelWords(current),
		})
		current = nil
	}

	for _, w := range words {
		current = append(current, w)
		trimmed := strings.TrimSpace(w.Word)
		if trimmed != "" {
			last := trimmed[len(trimmed)-1]
			if last == '.' || last == '!' || last == '?' {
				flush()
			}
		}
	}
	flush()
	return segments
}

func toModelWords(words []transcriber.WordTiming) []model.WordTiming {
	out := make([]model.WordTiming, len(words))
	for i, w := range words {
		out[i] = model.WordTiming{Word: w.Word, Start: w.StartTime.Seconds(), End: w.EndTime.Seconds()}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
