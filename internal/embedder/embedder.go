// Package embedder implements the embedding-model resource the Embed
// stage (spec.md §4.5 Stage 4) acquires under GPU arbitration. It is a
// scoped, GPU-resident subprocess resource, grounded on
// pkg/transcriber/faster_whisper.go's exec.Command Python-subprocess
// idiom (JSON in over stdin, JSON out over stdout), adapted from
// speech-to-text to sentence-embedding.
package embedder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Model wraps a sentence-transformers-backed Python subprocess that
// encodes batches of text into normalized vectors.
type Model struct {
	pythonPath string
	modelName  string
	device     string
	logger     *logrus.Entry
}

// New locates a Python interpreter and verifies sentence-transformers is
// importable, mirroring NewFasterWhisperTranscriber's startup checks.
func New(modelName, device string) (*Model, error) {
	if modelName == "" {
		modelName = "all-MiniLM-L6-v2"
	}
	if device == "" {
		device = "auto"
	}

	pythonPath, err := exec.LookPath("python3")
	if err != nil {
		pythonPath, err = exec.LookPath("python")
		if err != nil {
			return nil, fmt.Errorf("embedder: python executable not found in PATH: %w", err)
		}
	}

	cmd := exec.Command(pythonPath, "-c", "import sentence_transformers")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("embedder: sentence-transformers not installed. Install with: pip install sentence-transformers: %w", err)
	}

	logrus.WithFields(logrus.Fields{"python": pythonPath, "model": modelName, "device": device}).Info("embedding model backend initialized")

	return &Model{pythonPath: pythonPath, modelName: modelName, device: device, logger: logrus.WithField("component", "embedder")}, nil
}

// EncodeBatch encodes texts in batches of batchSize, returning one
// normalized float32 vector per input text, in order.
func (m *Model) EncodeBatch(texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 32
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := m.encode(texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedder: encoding batch [%d:%d]: %w", start, end, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

type encodeRequest struct {
	Texts []string `json:"texts"`
}

type encodeResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (m *Model) encode(texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(encodeRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("embedder: marshaling request: %w", err)
	}

	cmd := exec.Command(m.pythonPath, "-c", m.generatePythonScript())
	cmd.Stdin = bytes.NewReader(reqBody)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		m.logger.WithFields(logrus.Fields{"error": err, "stderr": errBuf.String()}).Error("embedding encode failed")
		return nil, fmt.Errorf("embedder: encode subprocess failed: %w (stderr: %s)", err, errBuf.String())
	}

	var resp encodeResponse
	if err := json.Unmarshal(outBuf.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("embedder: decoding response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("embedder: model error: %s", resp.Error)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder: expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}
	return resp.Embeddings, nil
}

func (m *Model) generatePythonScript() string {
	return fmt.Sprintf(`
import sys
import json
import warnings

warnings.filterwarnings("ignore")

try:
    from sentence_transformers import SentenceTransformer

    payload = json.loads(sys.stdin.read())
    texts = payload["texts"]

    model = SentenceTransformer("%s", device="%s")
    vectors = model.encode(texts, normalize_embeddings=True, batch_size=len(texts))

    print(json.dumps({"embeddings": vectors.tolist()}))
except Exception as e:
    print(json.dumps({"embeddings": [], "error": str(e)}))
    sys.exit(1)
`, m.modelName, m.device)
}
