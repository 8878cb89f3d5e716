package embedder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBatch_EmptyInput(t *testing.T) {
	m := &Model{pythonPath: "/nonexistent/python3", modelName: "x", device: "auto"}
	out, err := m.EncodeBatch(nil, 32)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestEncodeBatch_SubprocessFailurePropagates(t *testing.T) {
	m := &Model{pythonPath: "/nonexistent/python3", modelName: "x", device: "auto"}
	_, err := m.EncodeBatch([]string{"hello"}, 32)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encoding batch")
}

func TestEncodeBatch_DefaultsBatchSize(t *testing.T) {
	// A non-positive batchSize must not cause an infinite loop; the
	// subprocess call still fails fast since python is unreachable, but
	// the loop bound math (start += batchSize) must use the 32 default.
	m := &Model{pythonPath: "/nonexistent/python3", modelName: "x", device: "auto"}
	_, err := m.EncodeBatch([]string{"a", "b"}, 0)
	require.Error(t, err)
}
