package model

import "time"

// MeetingStatus is the monotonic lifecycle state of a Meeting.
type MeetingStatus string

const (
	MeetingScheduled    MeetingStatus = "scheduled"
	MeetingRecording    MeetingStatus = "recording"
	MeetingProcessing   MeetingStatus = "processing"
	MeetingTranscribing MeetingStatus = "transcribing"
	MeetingCompleted    MeetingStatus = "completed"
)

// Meeting is a single recorded voice-channel session.
type Meeting struct {
	ID           string
	GuildID      string
	ChannelID    string
	RequesterID  string
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       MeetingStatus
	Participants []string
}

// TranscodeStatus tracks a TempRecording's PCM->MP3 transcode job.
type TranscodeStatus string

const (
	TranscodeQueued     TranscodeStatus = "queued"
	TranscodeInProgress TranscodeStatus = "in_progress"
	TranscodeDone       TranscodeStatus = "done"
	TranscodeFailed     TranscodeStatus = "failed"
)

// TempRecording is a single finalized PCM chunk for one user in one meeting.
type TempRecording struct {
	ID               string
	UserID           string
	MeetingID        string
	ChunkIdx         int
	StartTimestampMs int64
	Filename         string
	TranscodeStatus  TranscodeStatus
	CreatedAt        time.Time
}

// PersistentRecording is the durable encoded recording for one user across a meeting.
type PersistentRecording struct {
	ID         string
	UserID     string
	MeetingID  string
	DurationMs int64
	SHA256     string
	Filename   string
}

// WordTiming is a single word-level timestamp from the speech engine.
type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is a single ordered span of transcribed speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []WordTiming `json:"words,omitempty"`
}

// SummaryLayers holds the recursive-summarization intermediate output, keyed
// by recursion level.
type SummaryLayers map[int][]string

// UserTranscript is the JSON transcript produced for one PersistentRecording.
type UserTranscript struct {
	ID             string
	MeetingID      string
	UserID         string
	RecordingID    string
	SHA256         string
	Filename       string
	Segments       []Segment
	RawEngineText  string
	Summary        string        `json:"summary,omitempty"`
	SummaryLayers  SummaryLayers `json:"summary_layers,omitempty"`
	SummarizedAt   *time.Time    `json:"summarized_at,omitempty"`
}

// CompiledSegment is one entry of the meeting-level merged transcript.
type CompiledSegment struct {
	Timestamp struct {
		StartTime float64 `json:"start_time"`
		EndTime   float64 `json:"end_time"`
	} `json:"timestamp"`
	Speaker struct {
		UserID                string `json:"user_id"`
		UserTranscriptionFile string `json:"user_transcription_file"`
	} `json:"speaker"`
	Content string `json:"content"`
}

// CompiledTranscript is the meeting-level merged, time-sorted transcript.
type CompiledTranscript struct {
	ID                  string
	MeetingID           string
	SHA256              string
	Filename            string
	CompiledAt          time.Time
	UserIDs             []string
	Segments            []CompiledSegment
	Summary             string        `json:"summary,omitempty"`
	SummaryLayers       SummaryLayers `json:"summary_layers,omitempty"`
	SummarizedAt        *time.Time    `json:"summarized_at,omitempty"`
	EmbeddedInVectorStore bool
}

// TranscriptCount is the transcript_count header field: the number of
// distinct users merged into this compiled transcript.
func (c CompiledTranscript) TranscriptCount() int { return len(c.UserIDs) }

// SegmentCount is the segment_count header field: the number of merged
// segments across all users.
func (c CompiledTranscript) SegmentCount() int { return len(c.Segments) }

// CompiledTranscriptHeader is the {meeting_id, compiled_at, transcript_count, user_ids,
// segment_count, segments} shape written as the external transcript_{meeting_id}.json
// artifact.
type CompiledTranscriptHeader struct {
	MeetingID       string            `json:"meeting_id"`
	CompiledAt      time.Time         `json:"compiled_at"`
	TranscriptCount int               `json:"transcript_count"`
	UserIDs         []string          `json:"user_ids"`
	SegmentCount    int               `json:"segment_count"`
	Segments        []CompiledSegment `json:"segments"`
}

// Header builds the external JSON header view of c.
func (c CompiledTranscript) Header() CompiledTranscriptHeader {
	return CompiledTranscriptHeader{
		MeetingID:       c.MeetingID,
		CompiledAt:      c.CompiledAt,
		TranscriptCount: c.TranscriptCount(),
		UserIDs:         c.UserIDs,
		SegmentCount:    c.SegmentCount(),
		Segments:        c.Segments,
	}
}

// JobType enumerates the kinds of background work tracked by JobStatus.
type JobType string

const (
	JobTranscoding    JobType = "transcoding"
	JobTranscribing   JobType = "transcribing"
	JobCompiling      JobType = "compiling"
	JobSummarizing    JobType = "summarizing"
	JobTextEmbedding  JobType = "text_embedding"
	JobChatbot        JobType = "chatbot"
	JobCleaning       JobType = "cleaning"
)

// JobRunStatus is the monotonic lifecycle state of a JobStatus row.
type JobRunStatus string

const (
	JobPending    JobRunStatus = "pending"
	JobInProgress JobRunStatus = "in_progress"
	JobCompleted  JobRunStatus = "completed"
	JobFailed     JobRunStatus = "failed"
	JobSkipped    JobRunStatus = "skipped"
)

// JobStatus is one row per background job, tracked in SQL for at-least-once
// visibility into pipeline progress.
type JobStatus struct {
	ID         string
	Type       JobType
	MeetingID  string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Status     JobRunStatus
	ErrorLog   string
}

// ChatMessage is one turn of the chatbot subsystem; outside the primary
// pipeline but participates in GPU arbitration (class "chatbot").
type ChatMessage struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Conversation groups ChatMessages for the chatbot subsystem.
type Conversation struct {
	ID        string
	GuildID   string
	ChannelID string
	CreatedAt time.Time
}
