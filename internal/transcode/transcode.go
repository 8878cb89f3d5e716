// Package transcode implements the PCM->MP3 transcode job enqueued by
// internal/chunker on every chunk flush (spec.md §4.3 "Chunk emission").
// It is a thin domain job riding on the C1 queue substrate
// (internal/queue), grounded on the teacher's ffmpeg-subprocess idiom in
// pkg/transcriber/whisper_gpu.go.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/meeting-pipeline/internal/model"
	"github.com/fankserver/meeting-pipeline/internal/queue"
)

// Paths resolves the on-disk locations of a chunk's raw input and encoded
// output; implemented by *storage.FileChunkStore.
type Paths interface {
	PCMPath(filename string) string
	MP3Path(tempRecordingID string) string
}

// StatusRepo is the subset of storage.RecordingRepo the transcode job
// updates as it runs.
type StatusRepo interface {
	UpdateTranscodeStatus(id string, status model.TranscodeStatus) error
}

// Queue wraps a C1 queue.Queue configured to run PCM->MP3 transcode jobs
// with a single worker, satisfying chunker.TranscodeEnqueuer.
type Queue struct {
	q          *queue.Queue
	paths      Paths
	statusRepo StatusRepo
	ffmpegPath string
	logger     *logrus.Entry
}

// New locates ffmpeg on PATH and builds the transcode job queue.
func New(paths Paths, statusRepo StatusRepo) (*Queue, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("transcode: ffmpeg executable not found in PATH: %w", err)
	}

	tq := &Queue{
		paths:      paths,
		statusRepo: statusRepo,
		ffmpegPath: ffmpegPath,
		logger:     logrus.WithField("component", "transcode"),
	}
	tq.q = queue.New("transcode", queue.DefaultConfig(), queue.Callbacks{
		OnStarted: func(j queue.Job) {
			if err := statusRepo.UpdateTranscodeStatus(j.ID(), model.TranscodeInProgress); err != nil {
				tq.logger.WithError(err).WithField("job_id", j.ID()).Warn("failed to mark transcode in_progress")
			}
		},
		OnComplete: func(j queue.Job) {
			if err := statusRepo.UpdateTranscodeStatus(j.ID(), model.TranscodeDone); err != nil {
				tq.logger.WithError(err).WithField("job_id", j.ID()).Warn("failed to mark transcode done")
			}
		},
		OnFailed: func(j queue.Job, err error) {
			tq.logger.WithError(err).WithField("job_id", j.ID()).Error("transcode job failed permanently")
			if updErr := statusRepo.UpdateTranscodeStatus(j.ID(), model.TranscodeFailed); updErr != nil {
				tq.logger.WithError(updErr).WithField("job_id", j.ID()).Warn("failed to mark transcode failed")
			}
		},
	})
	tq.q.Start()
	return tq, nil
}

// EnqueueTranscode implements chunker.TranscodeEnqueuer.
func (tq *Queue) EnqueueTranscode(rec model.TempRecording) error {
	tq.q.AddJob(&job{rec: rec, paths: tq.paths, ffmpegPath: tq.ffmpegPath})
	return nil
}

// Stop drains the queue, matching the other pipeline stage queues' shutdown
// contract.
func (tq *Queue) Stop(waitForCompletion bool) {
	tq.q.Stop(waitForCompletion)
}

// Statistics exposes the underlying queue.Queue's snapshot.
func (tq *Queue) Statistics() queue.Statistics {
	return tq.q.Statistics()
}

type job struct {
	rec        model.TempRecording
	paths      Paths
	ffmpegPath string
}

func (j *job) ID() string { return j.rec.ID }

// Execute encodes the raw 48kHz stereo s16le PCM chunk to MP3, the way the
// teacher's GPUWhisperTranscriber shells out to ffmpeg for format
// conversion, then removes the source PCM file.
func (j *job) Execute(ctx context.Context) error {
	pcmPath := j.paths.PCMPath(j.rec.Filename)
	mp3Path := j.paths.MP3Path(j.rec.ID)

	pcm, err := os.ReadFile(pcmPath)
	if err != nil {
		return fmt.Errorf("transcode: reading pcm chunk %s: %w", pcmPath, err)
	}

	cmd := exec.CommandContext(ctx, j.ffmpegPath,
		"-f", "s16le",
		"-ar", "48000",
		"-ac", "2",
		"-i", "-",
		"-codec:a", "libmp3lame",
		"-qscale:a", "4",
		"-y",
		mp3Path,
	)
	cmd.Stdin = bytes.NewReader(pcm)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("transcode: ffmpeg encode failed for %s: %w (stderr: %s)", j.rec.ID, err, stderr.String())
	}

	if err := os.Remove(pcmPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transcode: removing source pcm %s: %w", pcmPath, err)
	}
	return nil
}
