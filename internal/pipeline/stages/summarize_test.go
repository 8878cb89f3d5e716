package stages

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/meeting-pipeline/internal/gpuarb"
	"github.com/fankserver/meeting-pipeline/internal/llm"
	"github.com/fankserver/meeting-pipeline/internal/model"
)

type fakeCompiledGetter struct {
	compiled model.CompiledTranscript
	err      error
}

func (f *fakeCompiledGetter) GetCompiledTranscript(meetingID string) (model.CompiledTranscript, error) {
	return f.compiled, f.err
}

type fakeUserTranscriptLister struct {
	transcripts []model.UserTranscript
	err         error
}

func (f *fakeUserTranscriptLister) ListUserTranscripts(meetingID string) ([]model.UserTranscript, error) {
	return f.transcripts, f.err
}

type fakeSummaryWriter struct {
	compiledSummary string
	compiledLayers  model.SummaryLayers
	userSummaries   map[string]string
}

func (f *fakeSummaryWriter) UpdateCompiledTranscriptSummary(id, summary string, layers model.SummaryLayers, summarizedAt sql.NullTime) error {
	f.compiledSummary = summary
	f.compiledLayers = layers
	return nil
}

func (f *fakeSummaryWriter) UpdateUserTranscriptSummary(id, summary string, layers model.SummaryLayers, summarizedAt sql.NullTime) error {
	if f.userSummaries == nil {
		f.userSummaries = make(map[string]string)
	}
	f.userSummaries[id] = summary
	return nil
}

type fakeLLM struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeLLM) Query(ctx context.Context, model string, messages []llm.Message, opts llm.Options) (llm.Response, error) {
	if f.err != nil {
		return llm.Response{}, f.err
	}
	idx := f.calls
	f.calls++
	if idx < len(f.responses) {
		return llm.Response{Content: f.responses[idx]}, nil
	}
	return llm.Response{Content: "final summary"}, nil
}

func TestSummarizeJob_SinglePassBelowThreshold(t *testing.T) {
	compiled := model.CompiledTranscript{
		ID:       "c1",
		Segments: []model.CompiledSegment{{Content: "hello there"}},
	}
	writer := &fakeSummaryWriter{}
	llmClient := &fakeLLM{responses: []string{"short summary"}}

	j := &SummarizeJob{
		MeetingID:   "m1",
		Getter:      &fakeCompiledGetter{compiled: compiled},
		Transcripts: &fakeUserTranscriptLister{transcripts: []model.UserTranscript{{ID: "ut1"}}},
		Writer:      writer,
		LLM:         llmClient,
		Model:       "llama3",
		Arb:         gpuarb.New(1),
	}

	require.NoError(t, j.Execute(context.Background()))
	assert.Equal(t, "short summary", writer.compiledSummary)
	assert.Equal(t, 1, llmClient.calls)
	assert.Equal(t, []string{"short summary"}, writer.compiledLayers[0])
	assert.Equal(t, "short summary", writer.userSummaries["ut1"])
}

func TestSummarizeJob_RecursesWhenOverThreshold(t *testing.T) {
	words := make([]string, maxWordsPerRequest*2+10)
	for i := range words {
		words[i] = "word"
	}
	compiled := model.CompiledTranscript{
		ID:       "c1",
		Segments: []model.CompiledSegment{{Content: strings.Join(words, " ")}},
	}
	writer := &fakeSummaryWriter{}
	llmClient := &fakeLLM{responses: []string{"layer0-part1", "layer0-part2", "final combined summary"}}

	j := &SummarizeJob{
		MeetingID:   "m1",
		Getter:      &fakeCompiledGetter{compiled: compiled},
		Transcripts: &fakeUserTranscriptLister{},
		Writer:      writer,
		LLM:         llmClient,
		Model:       "llama3",
		Arb:         gpuarb.New(1),
	}

	require.NoError(t, j.Execute(context.Background()))
	assert.GreaterOrEqual(t, llmClient.calls, 2, "input over 2000 words must take more than one LLM pass")
	assert.Contains(t, writer.compiledLayers, 0)
	assert.NotEmpty(t, writer.compiledSummary)
}

func TestSummarizeJob_LLMErrorFailsJob(t *testing.T) {
	compiled := model.CompiledTranscript{ID: "c1", Segments: []model.CompiledSegment{{Content: "hi"}}}
	j := &SummarizeJob{
		MeetingID:   "m1",
		Getter:      &fakeCompiledGetter{compiled: compiled},
		Transcripts: &fakeUserTranscriptLister{},
		Writer:      &fakeSummaryWriter{},
		LLM:         &fakeLLM{err: errors.New("endpoint down")},
		Arb:         gpuarb.New(1),
	}
	err := j.Execute(context.Background())
	require.Error(t, err)
}

func TestWordCount(t *testing.T) {
	assert.Equal(t, 3, wordCount("one two three"))
	assert.Equal(t, 0, wordCount(""))
}

func TestSplitIntoWordRuns(t *testing.T) {
	text := strings.Join([]string{"a", "b", "c", "d", "e"}, " ")
	chunks := splitIntoWordRuns(text, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, "a b", chunks[0])
	assert.Equal(t, "e", chunks[2])
}

func TestLevelPrompt_DiffersByLevel(t *testing.T) {
	l0 := levelPrompt(0, 1, 2, "chunk")
	lN := levelPrompt(1, 1, 2, "chunk")
	assert.NotEqual(t, l0, lN)
	assert.Contains(t, l0, "Summarize part")
	assert.Contains(t, lN, "Combine and condense")
}
