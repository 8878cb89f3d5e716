package stages

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/fankserver/meeting-pipeline/internal/gpuarb"
	"github.com/fankserver/meeting-pipeline/internal/model"
	"github.com/fankserver/meeting-pipeline/internal/vectorstore"
)

const (
	embedBatchSize        = 32
	maxTokensPerPartition  = 512
	tokenSafetyBuffer      = 0.95
	partitionOverlapFrac   = 0.15
	wordsPerTokenEstimate  = 1.3
	contextWindowHalfWidth = 2
)

// Embedder is the subset of internal/embedder.Model used by Stage 4.
type Embedder interface {
	EncodeBatch(texts []string, batchSize int) ([][]float32, error)
}

// VectorUpserter is the subset of vectorstore.Store used by Stage 4.
type VectorUpserter interface {
	Upsert(ctx context.Context, collectionName string, docs []vectorstore.Document) error
}

// EmbeddedMarker flips the embedded-in-vector-store flag once Stage 4
// completes.
type EmbeddedMarker interface {
	MarkCompiledTranscriptEmbedded(id string) error
}

// ParticipantNotifier announces meeting completion to the external
// collaborator that owns participant messaging.
type ParticipantNotifier interface {
	NotifyMeetingCompleted(meetingID string, guildID string)
}

// EmbedJob is Stage 4 (spec.md §4.5): partitions compiled segments and
// summary layers, embeds both streams, and upserts them into the vector
// store under deterministic IDs.
type EmbedJob struct {
	MeetingID string
	GuildID   string

	Getter   CompiledTranscriptGetter
	Embed    Embedder
	Store    VectorUpserter
	Marker   EmbeddedMarker
	Notifier ParticipantNotifier
	Arb      *gpuarb.Arbitrator
}

// ID implements queue.Job.
func (j *EmbedJob) ID() string { return j.MeetingID + ":embed" }

// Execute implements queue.Job.
func (j *EmbedJob) Execute(ctx context.Context) error {
	compiled, err := j.Getter.GetCompiledTranscript(j.MeetingID)
	if err != nil {
		return fmt.Errorf("stages: loading compiled transcript for %s: %w", j.MeetingID, err)
	}

	segmentTexts, segmentMeta := partitionSegments(compiled)
	summaryTexts, summaryMeta := partitionSummaries(j.MeetingID, j.GuildID, compiled)

	allTexts := append(append([]string{}, segmentTexts...), summaryTexts...)
	if len(allTexts) == 0 {
		return j.finish(compiled.ID)
	}

	var vectors [][]float32
	acqErr := gpuarb.WithGPU(ctx, j.Arb, gpuarb.ClassTextEmbedding, j.MeetingID, func(ctx context.Context) error {
		var encErr error
		vectors, encErr = j.Embed.EncodeBatch(allTexts, embedBatchSize)
		return encErr
	})
	if acqErr != nil {
		return fmt.Errorf("stages: embedding texts for %s: %w", j.MeetingID, acqErr)
	}
	if len(vectors) != len(allTexts) {
		return fmt.Errorf("stages: embedder returned %d vectors for %d texts", len(vectors), len(allTexts))
	}

	segmentDocs := make([]vectorstore.Document, len(segmentTexts))
	for i, text := range segmentTexts {
		segmentDocs[i] = vectorstore.Document{ID: segmentMeta[i].id, Content: text, Metadata: segmentMeta[i].metadata, Embedding: vectors[i]}
	}
	summaryDocs := make([]vectorstore.Document, len(summaryTexts))
	for i, text := range summaryTexts {
		summaryDocs[i] = vectorstore.Document{ID: summaryMeta[i].id, Content: text, Metadata: summaryMeta[i].metadata, Embedding: vectors[len(segmentTexts)+i]}
	}

	if len(segmentDocs) > 0 {
		if err := j.Store.Upsert(ctx, vectorstore.EmbeddingsCollectionName(j.GuildID), segmentDocs); err != nil {
			return fmt.Errorf("stages: upserting segment embeddings for %s: %w", j.MeetingID, err)
		}
	}
	if len(summaryDocs) > 0 {
		if err := j.Store.Upsert(ctx, vectorstore.SummariesCollectionName, summaryDocs); err != nil {
			return fmt.Errorf("stages: upserting summary embeddings for %s: %w", j.MeetingID, err)
		}
	}

	return j.finish(compiled.ID)
}

func (j *EmbedJob) finish(compiledID string) error {
	if err := j.Marker.MarkCompiledTranscriptEmbedded(compiledID); err != nil {
		return fmt.Errorf("stages: marking %s embedded: %w", compiledID, err)
	}
	if j.Notifier != nil {
		j.Notifier.NotifyMeetingCompleted(j.MeetingID, j.GuildID)
	}
	return nil
}

type docMeta struct {
	id       string
	metadata map[string]string
}

// partitionSegments builds the contextualized-window documents for the
// transcript-segment stream (spec.md §4.5 Stage 4).
func partitionSegments(compiled model.CompiledTranscript) ([]string, []docMeta) {
	n := len(compiled.Segments)
	if n == 0 {
		return nil, nil
	}

	texts := make([]string, n)
	metas := make([]docMeta, n)
	for i := range compiled.Segments {
		start := i - contextWindowHalfWidth
		if start < 0 {
			start = 0
		}
		end := i + contextWindowHalfWidth + 1
		if end > n {
			end = n
		}

		var parts []string
		for k := start; k < end; k++ {
			parts = append(parts, compiled.Segments[k].Content)
		}

		texts[i] = strings.Join(parts, " ")
		metas[i] = docMeta{
			id: fmt.Sprintf("%s_%d", compiled.MeetingID, i),
			metadata: map[string]string{
				"meeting_id":    compiled.MeetingID,
				"segment_index": fmt.Sprintf("%d", i),
				"window_start":  fmt.Sprintf("%d", start),
				"window_end":    fmt.Sprintf("%d", end-1),
				"window_size":   fmt.Sprintf("%d", end-start),
			},
		}
	}
	return texts, metas
}

// partitionSummaries splits every subsummary and the final summary into
// sentence-bounded partitions of at most 512×0.95 estimated tokens with a
// 15% sentence-boundary overlap (see splitByTokenBudget for the one case
// that can exceed the budget).
func partitionSummaries(meetingID, guildID string, compiled model.CompiledTranscript) ([]string, []docMeta) {
	var texts []string
	var metas []docMeta

	levels := make([]int, 0, len(compiled.SummaryLayers))
	for level := range compiled.SummaryLayers {
		levels = append(levels, level)
	}
	sortInts(levels)

	for _, level := range levels {
		for i, summary := range compiled.SummaryLayers[level] {
			parts := splitByTokenBudget(summary)
			for s, part := range parts {
				texts = append(texts, part)
				metas = append(metas, docMeta{
					id: fmt.Sprintf("%s_level%d_summary%d_segment%d", meetingID, level, i, s),
					metadata: map[string]string{
						"meeting_id":             meetingID,
						"guild_id":               guildID,
						"is_subsummary":          "true",
						"summary_level":          fmt.Sprintf("%d", level),
						"summary_index_in_level": fmt.Sprintf("%d", i),
						"segment_index":          fmt.Sprintf("%d", s),
						"estimated_tokens":       fmt.Sprintf("%d", estimateTokens(part)),
					},
				})
			}
		}
	}

	if compiled.Summary != "" {
		parts := splitByTokenBudget(compiled.Summary)
		for s, part := range parts {
			texts = append(texts, part)
			metas = append(metas, docMeta{
				id: fmt.Sprintf("%s_final_segment%d", meetingID, s),
				metadata: map[string]string{
					"meeting_id":       meetingID,
					"guild_id":         guildID,
					"is_final_summary": "true",
					"segment_index":    fmt.Sprintf("%d", s),
					"estimated_tokens": fmt.Sprintf("%d", estimateTokens(part)),
				},
			})
		}
	}

	return texts, metas
}

func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) / wordsPerTokenEstimate))
}

// splitByTokenBudget splits text into sentence-bounded partitions of at
// most maxTokensPerPartition*tokenSafetyBuffer estimated tokens, each
// overlapping the previous by roughly partitionOverlapFrac of its
// sentences. The overlap is dropped when it leaves no room for the next
// sentence. A single sentence longer than the budget is not split further
// and becomes a partition of its own.
func splitByTokenBudget(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	budget := int(math.Floor(float64(maxTokensPerPartition) * tokenSafetyBuffer))

	var partitions []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		partitions = append(partitions, strings.Join(current, " "))
	}

	i := 0
	for i < len(sentences) {
		s := sentences[i]
		t := estimateTokens(s)
		if currentTokens+t > budget && len(current) > 0 {
			flush()
			overlapCount := int(math.Ceil(float64(len(current)) * partitionOverlapFrac))
			if overlapCount > len(current) {
				overlapCount = len(current)
			}
			current = append([]string{}, current[len(current)-overlapCount:]...)
			currentTokens = 0
			for _, c := range current {
				currentTokens += estimateTokens(c)
			}
			if currentTokens+t > budget {
				current = nil
				currentTokens = 0
			}
			continue
		}
		current = append(current, s)
		currentTokens += t
		i++
	}
	flush()

	if len(partitions) == 0 {
		return []string{text}
	}
	return partitions
}

func splitSentences(text string) []string {
	var sentences []string
	var sb strings.Builder
	for _, r := range text {
		sb.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(sb.String()); s != "" {
				sentences = append(sentences, s)
			}
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for k := i; k > 0 && xs[k-1] > xs[k]; k-- {
			xs[k-1], xs[k] = xs[k], xs[k-1]
		}
	}
}
