// Package pipeline wires the four stage queues (Transcribe, Compile,
// Summarize, Embed) into the ordered C5 orchestrator: each stage is its
// own single-worker queue.Queue, chained by OnComplete/OnFailed
// callbacks rather than a central scheduler, the way the teacher's
// internal/pipeline/worker.go drove one Job interface off one queue,
// generalized here to four queues in series.
package pipeline

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fankserver/meeting-pipeline/internal/gpuarb"
	"github.com/fankserver/meeting-pipeline/internal/model"
	"github.com/fankserver/meeting-pipeline/internal/pipeline/stages"
	"github.com/fankserver/meeting-pipeline/internal/queue"
	"github.com/fankserver/meeting-pipeline/pkg/transcriber"
)

// JobTracker mirrors storage.JobRepo's write path, recording every stage
// run as a JobStatus row (spec.md §3's JobStatus model).
type JobTracker interface {
	InsertJob(j model.JobStatus) error
	MarkStarted(id string, startedAt sql.NullTime) error
	MarkCompleted(id string, finishedAt sql.NullTime) error
	MarkFailed(id string, finishedAt sql.NullTime, errLog string) error
	MarkSkipped(id string, finishedAt sql.NullTime, reason string) error
}

// GuildResolver looks up the guild a meeting belongs to, needed by Stage
// 4 to select its per-guild vector collection.
type GuildResolver interface {
	GetMeeting(id string) (model.Meeting, error)
}

// TranscriptStore is the combined read/write surface Stages 1-4 need
// from internal/storage.TranscriptRepo.
type TranscriptStore interface {
	stages.TranscriptWriter
	stages.UserTranscriptLister
	stages.CompiledTranscriptWriter
	stages.CompiledTranscriptGetter
	stages.SummaryWriter
	stages.EmbeddedMarker
}

// Deps bundles every collaborator the orchestrator hands to its stages.
type Deps struct {
	Jobs   JobTracker
	Guilds GuildResolver

	Lister      stages.RecordingLister
	Reader      stages.RecordingReader
	Transcriber transcriber.Transcriber
	Arb         *gpuarb.Arbitrator

	Transcripts TranscriptStore

	LLM      stages.LLMQuerier
	LLMModel string

	Embedder stages.Embedder
	Vectors  stages.VectorUpserter
	Notifier stages.ParticipantNotifier

	Events StageEventPublisher
}

// StageEventPublisher is the subset of feedback.EventBus used to
// announce stage transitions; kept as an interface so this package
// doesn't depend on internal/feedback directly.
type StageEventPublisher interface {
	PublishStageCompleted(meetingID, stage string)
	PublishStageFailed(meetingID, stage string, err error)
	PublishStageSkipped(meetingID, stage, reason string)
}

// Orchestrator owns the four stage queues and chains them in order:
// Transcribe -> Compile -> Summarize -> Embed, enqueuing the next stage
// only when the previous one succeeds (spec.md §5 ordering guarantee).
type Orchestrator struct {
	transcribeQ *queue.Queue
	compileQ    *queue.Queue
	summarizeQ  *queue.Queue
	embedQ      *queue.Queue

	deps Deps
}

// New builds an Orchestrator and starts all four stage-queue workers.
// cfg controls retry/idle-poll tuning shared by every stage queue.
func New(cfg queue.Config, d Deps) *Orchestrator {
	o := &Orchestrator{deps: d}

	o.transcribeQ = queue.New("transcribe", cfg, queue.Callbacks{
		OnStarted:  o.trackStarted,
		OnComplete: o.onTranscribeComplete,
		OnFailed:   o.trackFailed,
	})
	o.compileQ = queue.New("compile", cfg, queue.Callbacks{
		OnStarted:  o.trackStarted,
		OnComplete: o.onCompileComplete,
		OnFailed:   o.trackFailed,
	})
	o.summarizeQ = queue.New("summarize", cfg, queue.Callbacks{
		OnStarted:  o.trackStarted,
		OnComplete: o.onSummarizeComplete,
		OnFailed:   o.trackFailed,
	})
	o.embedQ = queue.New("embed", cfg, queue.Callbacks{
		OnStarted:  o.trackStarted,
		OnComplete: o.trackCompleted,
		OnFailed:   o.trackFailed,
	})

	o.transcribeQ.Start()
	o.compileQ.Start()
	o.summarizeQ.Start()
	o.embedQ.Start()

	return o
}

func (o *Orchestrator) trackStarted(j queue.Job) {
	if o.deps.Jobs == nil {
		return
	}
	_ = o.deps.Jobs.MarkStarted(j.ID(), sql.NullTime{Time: time.Now().UTC(), Valid: true})
}

func (o *Orchestrator) trackCompleted(j queue.Job) {
	if o.deps.Jobs != nil {
		_ = o.deps.Jobs.MarkCompleted(j.ID(), sql.NullTime{Time: time.Now().UTC(), Valid: true})
	}
	if meetingID, stage, ok := meetingAndStage(j); ok && o.deps.Events != nil {
		o.deps.Events.PublishStageCompleted(meetingID, stage)
	}
}

func (o *Orchestrator) trackFailed(j queue.Job, err error) {
	if o.deps.Jobs != nil {
		_ = o.deps.Jobs.MarkFailed(j.ID(), sql.NullTime{Time: time.Now().UTC(), Valid: true}, err.Error())
	}
	if meetingID, stage, ok := meetingAndStage(j); ok && o.deps.Events != nil {
		o.deps.Events.PublishStageFailed(meetingID, stage, err)
	}
}

// meetingAndStage extracts the meeting ID and stage name from a stage
// job, used to shape JobTracker/StageEventPublisher calls generically.
func meetingAndStage(j queue.Job) (meetingID, stage string, ok bool) {
	switch t := j.(type) {
	case *stages.TranscribeJob:
		return t.MeetingID, "transcribe", true
	case *stages.CompileJob:
		return t.MeetingID, "compile", true
	case *stages.SummarizeJob:
		return t.MeetingID, "summarize", true
	case *stages.EmbedJob:
		return t.MeetingID, "embed", true
	default:
		return "", "", false
	}
}

// onTranscribeComplete enforces spec.md §7's zero-success rule: Compile
// is enqueued only if at least one recording produced a transcript; a
// fully-empty stage run is recorded as skipped, leaving the meeting in
// `transcribing` rather than advancing it.
func (o *Orchestrator) onTranscribeComplete(j queue.Job) {
	t, ok := j.(*stages.TranscribeJob)
	if !ok {
		return
	}
	if t.Succeeded() == 0 {
		reason := "no recordings transcribed successfully"
		if o.deps.Jobs != nil {
			_ = o.deps.Jobs.MarkSkipped(j.ID(), sql.NullTime{Time: time.Now().UTC(), Valid: true}, reason)
		}
		if o.deps.Events != nil {
			o.deps.Events.PublishStageSkipped(t.MeetingID, "transcribe", reason)
		}
		return
	}
	o.trackCompleted(j)
	o.EnqueueCompile(t.MeetingID)
}

func (o *Orchestrator) onCompileComplete(j queue.Job) {
	o.trackCompleted(j)
	c, ok := j.(*stages.CompileJob)
	if !ok {
		return
	}
	o.EnqueueSummarize(c.MeetingID)
}

func (o *Orchestrator) onSummarizeComplete(j queue.Job) {
	o.trackCompleted(j)
	s, ok := j.(*stages.SummarizeJob)
	if !ok {
		return
	}

	guildID := ""
	if o.deps.Guilds != nil {
		if meeting, err := o.deps.Guilds.GetMeeting(s.MeetingID); err == nil {
			guildID = meeting.GuildID
		}
	}
	o.EnqueueEmbed(s.MeetingID, guildID)
}

// EnqueueTranscribe implements session.TranscribeEnqueuer, the entry
// point the Session Manager calls at StopSession time.
func (o *Orchestrator) EnqueueTranscribe(meetingID string, recordingIDs, userIDs []string) error {
	if o.deps.Lister == nil || o.deps.Reader == nil || o.deps.Transcriber == nil {
		return fmt.Errorf("pipeline: orchestrator missing transcribe dependencies for %s", meetingID)
	}
	j := &stages.TranscribeJob{
		MeetingID:    meetingID,
		RecordingIDs: recordingIDs,
		UserIDs:      userIDs,
		Lister:       o.deps.Lister,
		Reader:       o.deps.Reader,
		Transcriber:  o.deps.Transcriber,
		Writer:       o.deps.Transcripts,
		Arb:          o.deps.Arb,
	}
	o.insertJob(j.ID(), model.JobTranscribing, meetingID)
	o.transcribeQ.AddJob(j)
	return nil
}

// EnqueueCompile enqueues Stage 2 for a meeting whose transcripts are
// ready.
func (o *Orchestrator) EnqueueCompile(meetingID string) {
	j := &stages.CompileJob{
		MeetingID: meetingID,
		Lister:    o.deps.Transcripts,
		Writer:    o.deps.Transcripts,
	}
	o.insertJob(j.ID(), model.JobCompiling, meetingID)
	o.compileQ.AddJob(j)
}

// EnqueueSummarize enqueues Stage 3 for a meeting whose compiled
// transcript is ready.
func (o *Orchestrator) EnqueueSummarize(meetingID string) {
	j := &stages.SummarizeJob{
		MeetingID:   meetingID,
		Getter:      o.deps.Transcripts,
		Transcripts: o.deps.Transcripts,
		Writer:      o.deps.Transcripts,
		LLM:         o.deps.LLM,
		Model:       o.deps.LLMModel,
		Arb:         o.deps.Arb,
	}
	o.insertJob(j.ID(), model.JobSummarizing, meetingID)
	o.summarizeQ.AddJob(j)
}

// EnqueueEmbed enqueues Stage 4 for a meeting whose summary is ready.
func (o *Orchestrator) EnqueueEmbed(meetingID, guildID string) {
	j := &stages.EmbedJob{
		MeetingID: meetingID,
		GuildID:   guildID,
		Getter:    o.deps.Transcripts,
		Embed:     o.deps.Embedder,
		Store:     o.deps.Vectors,
		Marker:    o.deps.Transcripts,
		Notifier:  o.deps.Notifier,
		Arb:       o.deps.Arb,
	}
	o.insertJob(j.ID(), model.JobTextEmbedding, meetingID)
	o.embedQ.AddJob(j)
}

func (o *Orchestrator) insertJob(id string, jobType model.JobType, meetingID string) {
	if o.deps.Jobs == nil {
		return
	}
	_ = o.deps.Jobs.InsertJob(model.JobStatus{
		ID:        id,
		Type:      jobType,
		MeetingID: meetingID,
		CreatedAt: time.Now().UTC(),
		Status:    model.JobPending,
	})
}

// Statistics returns a point-in-time snapshot of every stage queue.
func (o *Orchestrator) Statistics() map[string]queue.Statistics {
	return map[string]queue.Statistics{
		"transcribe": o.transcribeQ.Statistics(),
		"compile":    o.compileQ.Statistics(),
		"summarize":  o.summarizeQ.Statistics(),
		"embed":      o.embedQ.Statistics(),
	}
}

// Stop shuts down every stage queue, waiting for in-flight jobs if
// waitForCompletion is set.
func (o *Orchestrator) Stop(waitForCompletion bool) {
	o.transcribeQ.Stop(waitForCompletion)
	o.compileQ.Stop(waitForCompletion)
	o.summarizeQ.Stop(waitForCompletion)
	o.embedQ.Stop(waitForCompletion)
}
