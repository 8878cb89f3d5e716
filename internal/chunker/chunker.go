// Package chunker implements the per-user timeline audio chunker (spec C3):
// it turns bursty, gap-prone voice packets into strictly frame-aligned,
// fixed-duration PCM windows with provable equal chunk counts across
// speakers, grounded on the teacher's internal/audio buffer/flush style in
// smart_buffer.go and async_processor.go (dual-buffer bookkeeping, mutex per
// user, background flush loop) generalized to the fixed-window algorithm.
package chunker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/meeting-pipeline/internal/model"
)

const (
	// FrameMs is the duration of one audio frame.
	FrameMs = 20
	// BytesPerMs is 48kHz * stereo * 2 bytes/sample / 1000.
	BytesPerMs = 48000 * 2 * 2 / 1000
	// FrameBytes is one frame's worth of PCM.
	FrameBytes = FrameMs * BytesPerMs
	// WindowMs is the duration of one emitted chunk.
	WindowMs = 30000
	// WindowBytes is one chunk's worth of PCM.
	WindowBytes = WindowMs * BytesPerMs
)

// IsFrameAligned reports whether n is a whole number of frames.
func IsFrameAligned(n int) bool {
	return n%FrameBytes == 0
}

// ChunkStore persists finalized PCM windows and reads back transcoded
// output for promotion. It is the narrow interface the chunker consumes;
// the actual file/object-store backend is an external collaborator.
type ChunkStore interface {
	WriteChunk(meetingID, userID string, idx int, pcm []byte) (filename string, err error)
	DeleteChunkFile(filename string) error
	ReadTranscodedOutput(tempRecordingID string) ([]byte, error)
	WritePersistentRecording(meetingID, userID string, data []byte) (filename string, err error)
}

// RecordingRepo is the SQL-backed repository of TempRecording and
// PersistentRecording rows consumed by the chunker.
type RecordingRepo interface {
	InsertTempRecording(rec model.TempRecording) error
	UpdateTranscodeStatus(id string, status model.TranscodeStatus) error
	DeleteTempRecording(id string) error
	ListTempRecordings(meetingID, userID string) ([]model.TempRecording, error)
	PendingTranscodeCount(meetingID string) (int, error)
	InsertPersistentRecording(rec model.PersistentRecording) error
}

// TranscodeEnqueuer hands a finalized chunk off to the PCM->MP3 job sink.
type TranscodeEnqueuer interface {
	EnqueueTranscode(rec model.TempRecording) error
}

// Clock is injectable so tests can drive wall-clock gaps deterministically.
type Clock func() time.Time

type userState struct {
	buffer          []byte
	chunkCounter    int
	lastWallMs      int64
	firstPacketSeen bool
	recordingIDs    []string
}

// Chunker accumulates PCM per speaker for a single meeting/session and
// emits WindowBytes-sized chunks as they fill.
type Chunker struct {
	meetingID string
	guildID   string

	store    ChunkStore
	repo     RecordingRepo
	enqueuer TranscodeEnqueuer
	clock    Clock
	logger   *logrus.Entry

	mu               sync.Mutex
	sessionStartWall time.Time
	users            map[string]*userState
	maxChunkCount    int
	stopped          bool
}

// New creates a Chunker for one meeting/session. sessionStart pins the
// shared wall-clock origin every user's packets are measured against.
func New(meetingID, guildID string, store ChunkStore, repo RecordingRepo, enqueuer TranscodeEnqueuer, clock Clock, sessionStart time.Time) *Chunker {
	if clock == nil {
		clock = time.Now
	}
	return &Chunker{
		meetingID:        meetingID,
		guildID:          guildID,
		store:            store,
		repo:             repo,
		enqueuer:         enqueuer,
		clock:            clock,
		sessionStartWall: sessionStart,
		users:            make(map[string]*userState),
		logger:           logrus.WithFields(logrus.Fields{"component": "chunker", "meeting_id": meetingID}),
	}
}

// durationMs returns the duration in ms of a decoded PCM packet.
func durationMs(pcm []byte) int64 {
	return int64(len(pcm)) / BytesPerMs
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// IngestPacket appends one decoded voice packet for user u, padding any
// gap since u's previous packet with silence rounded up to whole frames,
// then flushes any windows the append filled. See spec.md §4.3 steps 1-9.
func (c *Chunker) IngestPacket(userID string, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return fmt.Errorf("chunker: session %s is stopped, rejecting packet for %s", c.meetingID, userID)
	}

	u, ok := c.users[userID]
	if !ok {
		u = &userState{}
		c.users[userID] = u
	}

	nowMs := c.clock().Sub(c.sessionStartWall).Milliseconds()
	packetStartMs := nowMs - durationMs(pcm)

	if !u.firstPacketSeen {
		u.lastWallMs = 0
		u.firstPacketSeen = true
	}

	gapMs := packetStartMs - u.lastWallMs
	if gapMs < 0 {
		gapMs = 0
	}
	frames := ceilDiv(gapMs, FrameMs)
	padMs := frames * FrameMs
	padBytes := int(padMs * BytesPerMs)

	if padBytes > 0 {
		u.buffer = append(u.buffer, make([]byte, padBytes)...)
	}
	u.buffer = append(u.buffer, pcm...)
	u.lastWallMs = packetStartMs + durationMs(pcm)

	for len(u.buffer) >= WindowBytes {
		if err := c.emitChunkLocked(userID, u); err != nil {
			return err
		}
	}
	return nil
}

// emitChunkLocked slices WindowBytes off u.buffer and persists it. Caller
// must hold c.mu. A failed flush leaves the buffer untouched so the next
// ingress or stop sequence retries.
func (c *Chunker) emitChunkLocked(userID string, u *userState) error {
	window := u.buffer[:WindowBytes]

	idx := u.chunkCounter
	filename, err := c.store.WriteChunk(c.meetingID, userID, idx, window)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{"user_id": userID, "chunk_idx": idx}).Error("failed to write chunk, retaining buffer")
		return err
	}

	rec := model.TempRecording{
		ID:               model.NewID(),
		UserID:           userID,
		MeetingID:        c.meetingID,
		ChunkIdx:         idx,
		StartTimestampMs: int64(idx) * WindowMs,
		Filename:         filename,
		TranscodeStatus:  model.TranscodeQueued,
		CreatedAt:        c.clock(),
	}
	if err := c.repo.InsertTempRecording(rec); err != nil {
		c.logger.WithError(err).Error("failed to insert temp recording row, cleaning orphaned file")
		if delErr := c.store.DeleteChunkFile(filename); delErr != nil {
			c.logger.WithError(delErr).Warn("failed to clean up orphaned chunk file")
		}
		return err
	}
	if err := c.enqueuer.EnqueueTranscode(rec); err != nil {
		c.logger.WithError(err).Error("failed to enqueue transcode job")
		return err
	}

	u.buffer = u.buffer[WindowBytes:]
	u.chunkCounter++
	u.recordingIDs = append(u.recordingIDs, rec.ID)
	if u.chunkCounter > c.maxChunkCount {
		c.maxChunkCount = u.chunkCounter
	}
	return nil
}

// Stop runs the §4.3 stop sequence: pads and flushes every partial buffer,
// equalizes chunk counts across users with silent backfill, waits for
// pending transcodes, then promotes each user's chunk set to a
// PersistentRecording. ctx bounds the wait for pending transcodes; callers
// typically pass a ~5-minute timeout.
func (c *Chunker) Stop(ctx context.Context) ([]model.PersistentRecording, error) {
	c.mu.Lock()
	c.stopped = true

	for userID, u := range c.users {
		if len(u.buffer) == 0 {
			continue
		}
		remainder := len(u.buffer) % WindowBytes
		if remainder != 0 {
			pad := WindowBytes - remainder
			u.buffer = append(u.buffer, make([]byte, pad)...)
		}
		if err := c.emitChunkLocked(userID, u); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("stop: flushing final window for %s: %w", userID, err)
		}
	}

	target := c.maxChunkCount
	for userID, u := range c.users {
		for u.chunkCounter < target {
			silence := make([]byte, WindowBytes)
			u.buffer = silence
			if err := c.emitChunkLocked(userID, u); err != nil {
				c.mu.Unlock()
				return nil, fmt.Errorf("stop: backfilling silent chunk for %s: %w", userID, err)
			}
		}
	}
	userIDs := make([]string, 0, len(c.users))
	for userID := range c.users {
		userIDs = append(userIDs, userID)
	}
	c.mu.Unlock()

	if err := c.awaitPendingTranscodes(ctx); err != nil {
		return nil, err
	}

	results := make([]model.PersistentRecording, 0, len(userIDs))
	for _, userID := range userIDs {
		rec, err := c.promoteUser(userID)
		if err != nil {
			c.logger.WithError(err).WithField("user_id", userID).Error("failed to promote user recording")
			continue
		}
		results = append(results, rec)
	}
	return results, nil
}

// awaitPendingTranscodes polls PendingTranscodeCount with exponential
// backoff (1s -> 10s cap) until zero or ctx is done.
func (c *Chunker) awaitPendingTranscodes(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 10 * time.Second

	for {
		n, err := c.repo.PendingTranscodeCount(c.meetingID)
		if err != nil {
			return fmt.Errorf("checking pending transcodes: %w", err)
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			c.logger.WithField("pending", n).Warn("timed out waiting for pending transcodes")
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Chunker) promoteUser(userID string) (model.PersistentRecording, error) {
	recs, err := c.repo.ListTempRecordings(c.meetingID, userID)
	if err != nil {
		return model.PersistentRecording{}, fmt.Errorf("listing temp recordings for %s: %w", userID, err)
	}

	var combined []byte
	var durationMs int64
	for _, rec := range recs {
		if rec.TranscodeStatus == model.TranscodeFailed {
			continue
		}
		out, err := c.store.ReadTranscodedOutput(rec.ID)
		if err != nil {
			c.logger.WithError(err).WithField("temp_recording_id", rec.ID).Warn("skipping chunk with unreadable transcoded output")
			continue
		}
		combined = append(combined, out...)
		durationMs += WindowMs
	}

	sum := sha256Hex(combined)
	filename, err := c.store.WritePersistentRecording(c.meetingID, userID, combined)
	if err != nil {
		return model.PersistentRecording{}, fmt.Errorf("writing persistent recording for %s: %w", userID, err)
	}
	persistent := model.PersistentRecording{
		ID:         model.NewID(),
		UserID:     userID,
		MeetingID:  c.meetingID,
		DurationMs: durationMs,
		SHA256:     sum,
		Filename:   filename,
	}
	if err := c.repo.InsertPersistentRecording(persistent); err != nil {
		return model.PersistentRecording{}, fmt.Errorf("inserting persistent recording for %s: %w", userID, err)
	}

	for _, rec := range recs {
		if err := c.repo.DeleteTempRecording(rec.ID); err != nil {
			c.logger.WithError(err).WithField("temp_recording_id", rec.ID).Warn("failed to delete promoted temp recording")
		}
	}
	return persistent, nil
}

// RunCleanupLoop periodically deletes TempRecordings older than ttl that
// are done or failed. Intended to be run as a single long-lived goroutine
// per deployment, not per session.
func RunCleanupLoop(ctx context.Context, cleaner interface {
	DeleteExpiredTempRecordings(olderThan time.Time) (int, error)
}, interval, ttl time.Duration, clock Clock) {
	if clock == nil {
		clock = time.Now
	}
	log := logrus.WithField("component", "chunker_ttl_cleanup")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := cleaner.DeleteExpiredTempRecordings(clock().Add(-ttl))
			if err != nil {
				log.WithError(err).Warn("ttl cleanup pass failed")
				continue
			}
			if n > 0 {
				log.WithField("deleted", n).Info("ttl cleanup removed expired temp recordings")
			}
		}
	}
}
