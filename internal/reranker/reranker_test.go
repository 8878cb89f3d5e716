package reranker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/meeting-pipeline/internal/gpuarb"
)

func candidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{ID: string(rune('a' + i)), Text: "text"}
	}
	return out
}

func TestTruncate(t *testing.T) {
	c := candidates(5)
	assert.Len(t, truncate(c, 3), 3)
	assert.Len(t, truncate(c, 0), 5, "topK<=0 means no truncation")
	assert.Len(t, truncate(c, 10), 5, "topK beyond length is a no-op")
}

func TestDegrade_PreservesInputOrderAndNeverEmpty(t *testing.T) {
	c := candidates(3)
	scored := degrade(c)
	require.Len(t, scored, 3)
	for i, s := range scored {
		assert.Equal(t, c[i].ID, s.ID)
		assert.Equal(t, float32(0), s.Score)
	}
}

func TestRerank_DegradesWhenSubprocessUnavailable(t *testing.T) {
	r := New(gpuarb.New(1), "")
	// Force the loaded state without a working python path so score()
	// fails and Rerank falls back to input order, matching spec.md §4.6's
	// "never empty on a non-empty input" guarantee.
	r.loaded = true
	r.pythonPath = "/nonexistent/python3"

	c := candidates(4)
	scored := r.Rerank(context.Background(), "query", c, 2)

	require.Len(t, scored, 2)
	assert.Equal(t, c[0].ID, scored[0].ID)
	assert.Equal(t, c[1].ID, scored[1].ID)
}

func TestRerank_EmptyCandidates(t *testing.T) {
	r := New(gpuarb.New(1), "")
	r.loaded = true
	r.pythonPath = "/nonexistent/python3"

	scored := r.Rerank(context.Background(), "query", nil, 5)
	assert.Empty(t, scored)
}
