package stages

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fankserver/meeting-pipeline/internal/gpuarb"
	"github.com/fankserver/meeting-pipeline/internal/llm"
	"github.com/fankserver/meeting-pipeline/internal/model"
)

const (
	maxWordsPerRequest = 2000
	targetSummaryWordsMin = 200
	targetSummaryWordsMax = 500
)

// CompiledTranscriptGetter loads the compiled transcript for a meeting.
type CompiledTranscriptGetter interface {
	GetCompiledTranscript(meetingID string) (model.CompiledTranscript, error)
}

// SummaryWriter persists Stage 3's recursive-summarization output.
type SummaryWriter interface {
	UpdateCompiledTranscriptSummary(id, summary string, layers model.SummaryLayers, summarizedAt sql.NullTime) error
	UpdateUserTranscriptSummary(id, summary string, layers model.SummaryLayers, summarizedAt sql.NullTime) error
}

// LLMQuerier is the subset of internal/llm.Client used by Stage 3.
type LLMQuerier interface {
	Query(ctx context.Context, model string, messages []llm.Message, opts llm.Options) (llm.Response, error)
}

// SummarizeJob is Stage 3 (spec.md §4.5): recursively summarize the
// compiled transcript down to a single final summary, recording every
// intermediate layer.
type SummarizeJob struct {
	MeetingID string
	Getter    CompiledTranscriptGetter
	Transcripts UserTranscriptLister
	Writer    SummaryWriter
	LLM       LLMQuerier
	Model     string
	Arb       *gpuarb.Arbitrator
}

// ID implements queue.Job.
func (j *SummarizeJob) ID() string { return j.MeetingID + ":summarize" }

// Execute implements queue.Job.
func (j *SummarizeJob) Execute(ctx context.Context) error {
	compiled, err := j.Getter.GetCompiledTranscript(j.MeetingID)
	if err != nil {
		return fmt.Errorf("stages: loading compiled transcript for %s: %w", j.MeetingID, err)
	}

	var lines []string
	for _, seg := range compiled.Segments {
		lines = append(lines, seg.Content)
	}
	text := strings.Join(lines, "\n")

	layers := model.SummaryLayers{}
	level := 0
	final := text

	for {
		if wordCount(text) <= maxWordsPerRequest && level > 0 {
			final = text
			break
		}

		chunks := splitIntoWordRuns(text, maxWordsPerRequest)
		summaries := make([]string, len(chunks))
		for i, c := range chunks {
			prompt := levelPrompt(level, i+1, len(chunks), c)
			var resp llm.Response
			acqErr := gpuarb.WithGPU(ctx, j.Arb, gpuarb.ClassSummarization, j.MeetingID, func(ctx context.Context) error {
				var queryErr error
				resp, queryErr = j.LLM.Query(ctx, j.Model, []llm.Message{{Role: "user", Content: prompt}}, llm.Options{})
				return queryErr
			})
			if acqErr != nil {
				return fmt.Errorf("stages: summarizing level %d chunk %d for %s: %w", level, i, j.MeetingID, acqErr)
			}
			summaries[i] = resp.Content
		}

		layers[level] = summaries
		text = strings.Join(summaries, "\n\n")
		final = text
		level++

		if wordCount(text) <= maxWordsPerRequest {
			final = text
			break
		}
	}

	now := time.Now().UTC()
	summarizedAt := sql.NullTime{Time: now, Valid: true}

	if err := j.Writer.UpdateCompiledTranscriptSummary(compiled.ID, final, layers, summarizedAt); err != nil {
		return fmt.Errorf("stages: persisting compiled summary for %s: %w", j.MeetingID, err)
	}

	userTranscripts, err := j.Transcripts.ListUserTranscripts(j.MeetingID)
	if err != nil {
		return fmt.Errorf("stages: listing user transcripts to summarize for %s: %w", j.MeetingID, err)
	}
	for _, t := range userTranscripts {
		if err := j.Writer.UpdateUserTranscriptSummary(t.ID, final, layers, summarizedAt); err != nil {
			return fmt.Errorf("stages: persisting user transcript summary for %s: %w", t.ID, err)
		}
	}

	return nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// splitIntoWordRuns splits text into non-overlapping runs of n words.
func splitIntoWordRuns(text string, n int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	for start := 0; start < len(words); start += n {
		end := start + n
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}

func levelPrompt(level, idx, total int, chunk string) string {
	if level == 0 {
		return fmt.Sprintf(
			"Summarize part %d of %d of this meeting transcript in %d-%d words, preserving speaker attributions and action items:\n\n%s",
			idx, total, targetSummaryWordsMin, targetSummaryWordsMax, chunk,
		)
	}
	return fmt.Sprintf(
		"Combine and condense summary part %d of %d into %d-%d words, preserving key decisions and action items:\n\n%s",
		idx, total, targetSummaryWordsMin, targetSummaryWordsMax, chunk,
	)
}
