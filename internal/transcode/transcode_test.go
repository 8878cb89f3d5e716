package transcode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/meeting-pipeline/internal/model"
)

type fakePaths struct {
	pcmPath string
	mp3Path string
}

func (p fakePaths) PCMPath(filename string) string        { return p.pcmPath }
func (p fakePaths) MP3Path(tempRecordingID string) string { return p.mp3Path }

func TestJob_ID(t *testing.T) {
	j := &job{rec: model.TempRecording{ID: "rec-1"}}
	assert.Equal(t, "rec-1", j.ID())
}

func TestJob_Execute_MissingSourceFails(t *testing.T) {
	j := &job{
		rec:        model.TempRecording{ID: "rec-1", Filename: "missing.pcm"},
		paths:      fakePaths{pcmPath: "/nonexistent/missing.pcm", mp3Path: "/tmp/missing.mp3"},
		ffmpegPath: "/bin/true",
	}
	err := j.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading pcm chunk")
}
