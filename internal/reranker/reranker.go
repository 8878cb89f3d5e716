// Package reranker implements the on-demand cross-encoder reranker (spec
// C6b, spec.md §4.6): lazy model load, GPU acquisition for class
// vector_reranker, score (query, candidate) pairs, return top-K
// descending, degrading to input-order truncation on any failure.
// Grounded on the same exec.Command Python-subprocess idiom as
// internal/embedder and pkg/transcriber, using a cross-encoder model
// instead of a bi-encoder.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/meeting-pipeline/internal/gpuarb"
)

// Candidate is one item being scored against a query.
type Candidate struct {
	ID   string
	Text string
}

// Scored is a Candidate with its cross-encoder score, descending-sorted
// by Rerank.
type Scored struct {
	Candidate
	Score float32
}

// Reranker lazily starts a Python cross-encoder subprocess backend the
// first time Rerank is called.
type Reranker struct {
	arb       *gpuarb.Arbitrator
	modelName string

	mu         sync.Mutex
	pythonPath string
	loaded     bool

	logger *logrus.Entry
}

// New returns a Reranker that defers any subprocess/model work until the
// first Rerank call (spec.md §4.6 "loads the model lazily").
func New(arb *gpuarb.Arbitrator, modelName string) *Reranker {
	if modelName == "" {
		modelName = "cross-encoder/ms-marco-MiniLM-L-6-v2"
	}
	return &Reranker{arb: arb, modelName: modelName, logger: logrus.WithField("component", "reranker")}
}

func (r *Reranker) ensureLoaded() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	pythonPath, err := exec.LookPath("python3")
	if err != nil {
		pythonPath, err = exec.LookPath("python")
		if err != nil {
			return fmt.Errorf("reranker: python executable not found in PATH: %w", err)
		}
	}
	cmd := exec.Command(pythonPath, "-c", "import sentence_transformers")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("reranker: sentence-transformers not installed: %w", err)
	}

	r.pythonPath = pythonPath
	r.loaded = true
	r.logger.WithField("model", r.modelName).Info("reranker backend ready")
	return nil
}

// Rerank scores every candidate against query and returns the top-K by
// descending score. On any failure (model load, GPU acquisition,
// subprocess error) it degrades to candidates[:topK] in input order —
// never empty on a non-empty input, per spec.md §4.6.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) []Scored {
	truncated := truncate(candidates, topK)

	if err := r.ensureLoaded(); err != nil {
		r.logger.WithError(err).Warn("reranker unavailable, falling back to input order")
		return degrade(truncated)
	}

	var scores []float32
	acqErr := gpuarb.WithGPU(ctx, r.arb, gpuarb.ClassVectorReranker, "reranker", func(ctx context.Context) error {
		var err error
		scores, err = r.score(query, candidates)
		return err
	})
	if acqErr != nil {
		r.logger.WithError(acqErr).Warn("reranker scoring failed, falling back to input order")
		return degrade(truncated)
	}

	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		scored[i] = Scored{Candidate: c, Score: scores[i]}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if topK > 0 && topK < len(scored) {
		scored = scored[:topK]
	}
	return scored
}

func truncate(candidates []Candidate, topK int) []Candidate {
	if topK > 0 && topK < len(candidates) {
		return candidates[:topK]
	}
	return candidates
}

func degrade(candidates []Candidate) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{Candidate: c}
	}
	return out
}

type scoreRequest struct {
	Query      string   `json:"query"`
	Candidates []string `json:"candidates"`
}

type scoreResponse struct {
	Scores []float32 `json:"scores"`
	Error  string    `json:"error,omitempty"`
}

func (r *Reranker) score(query string, candidates []Candidate) ([]float32, error) {
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	reqBody, err := json.Marshal(scoreRequest{Query: query, Candidates: texts})
	if err != nil {
		return nil, fmt.Errorf("reranker: marshaling request: %w", err)
	}

	cmd := exec.Command(r.pythonPath, "-c", r.generatePythonScript())
	cmd.Stdin = bytes.NewReader(reqBody)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("reranker: subprocess failed: %w (stderr: %s)", err, errBuf.String())
	}

	var resp scoreResponse
	if err := json.Unmarshal(outBuf.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("reranker: decoding response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("reranker: model error: %s", resp.Error)
	}
	if len(resp.Scores) != len(candidates) {
		return nil, fmt.Errorf("reranker: expected %d scores, got %d", len(candidates), len(resp.Scores))
	}
	return resp.Scores, nil
}

func (r *Reranker) generatePythonScript() string {
	return fmt.Sprintf(`
import sys
import json
import warnings

warnings.filterwarnings("ignore")

try:
    from sentence_transformers import CrossEncoder

    payload = json.loads(sys.stdin.read())
    query = payload["query"]
    candidates = payload["candidates"]

    model = CrossEncoder("%s")
    pairs = [[query, c] for c in candidates]
    scores = model.predict(pairs)

    print(json.dumps({"scores": [float(s) for s in scores]}))
except Exception as e:
    print(json.dumps({"scores": [], "error": str(e)}))
    sys.exit(1)
`, r.modelName)
}
