// Package session implements the session manager (spec C4): it owns the
// mapping of voice channel -> recording session, coordinates the chunker's
// lifecycle, and hands meetings off to the pipeline orchestrator once their
// recordings are promoted.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/meeting-pipeline/internal/chunker"
	"github.com/fankserver/meeting-pipeline/internal/model"
)

// MeetingRepo is the SQL-backed repository of Meeting rows the manager
// consumes.
type MeetingRepo interface {
	InsertMeeting(m model.Meeting) error
	UpdateMeetingStatus(id string, status model.MeetingStatus) error
	GetMeeting(id string) (model.Meeting, error)
}

// TranscribeEnqueuer hands a stopped meeting off to the pipeline
// orchestrator's first stage.
type TranscribeEnqueuer interface {
	EnqueueTranscribe(meetingID string, recordingIDs []string, userIDs []string) error
}

// StopTimeout bounds how long StopSession waits for pending transcodes
// before promoting whatever has finished, per spec.md §4.3 step 4.
const StopTimeout = 5 * time.Minute

// Session is one active recording session bound to a voice channel.
type Session struct {
	Meeting   model.Meeting
	ChannelID string

	mu      sync.Mutex
	chunker *chunker.Chunker
	paused  bool
}

// Manager owns the channel -> Session mapping.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	meetingRepo  MeetingRepo
	chunkStore   chunker.ChunkStore
	recordingRepo chunker.RecordingRepo
	enqueuer     chunker.TranscodeEnqueuer
	transcribe   TranscribeEnqueuer
	clock        chunker.Clock

	logger *logrus.Entry
}

// NewManager creates a session manager. The chunker, recording, and
// transcribe dependencies are shared across every session it opens.
func NewManager(meetingRepo MeetingRepo, chunkStore chunker.ChunkStore, recordingRepo chunker.RecordingRepo, enqueuer chunker.TranscodeEnqueuer, transcribe TranscribeEnqueuer, clock chunker.Clock) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		sessions:      make(map[string]*Session),
		meetingRepo:   meetingRepo,
		chunkStore:    chunkStore,
		recordingRepo: recordingRepo,
		enqueuer:      enqueuer,
		transcribe:    transcribe,
		clock:         clock,
		logger:        logrus.WithField("component", "session_manager"),
	}
}

// StartSession opens a session for channelID. If meetingID is empty a new
// 16-char ID is minted. Returns an error if channelID already has an open
// session.
func (m *Manager) StartSession(channelID, meetingID, requesterID, guildID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[channelID]; exists {
		return nil, fmt.Errorf("session: channel %s already has an open session", channelID)
	}

	if meetingID == "" {
		meetingID = model.NewID()
	}

	now := m.clock()
	meeting := model.Meeting{
		ID:          meetingID,
		GuildID:     guildID,
		ChannelID:   channelID,
		RequesterID: requesterID,
		StartedAt:   now,
		Status:      model.MeetingRecording,
	}
	if err := m.meetingRepo.InsertMeeting(meeting); err != nil {
		return nil, fmt.Errorf("session: inserting meeting row: %w", err)
	}

	c := chunker.New(meetingID, guildID, m.chunkStore, m.recordingRepo, m.enqueuer, m.clock, now)
	sess := &Session{Meeting: meeting, ChannelID: channelID, chunker: c}
	m.sessions[channelID] = sess

	m.logger.WithFields(logrus.Fields{"meeting_id": meetingID, "channel_id": channelID, "guild_id": guildID}).Info("session started")
	return sess, nil
}

// IngestPacket forwards one decoded voice packet to channelID's chunker,
// unless the session is paused.
func (m *Manager) IngestPacket(channelID, userID string, pcm []byte) error {
	sess, err := m.session(channelID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	paused := sess.paused
	sess.mu.Unlock()
	if paused {
		return nil
	}

	return sess.chunker.IngestPacket(userID, pcm)
}

// PauseSession halts ingress for channelID without tearing down session
// state; queued audio already in the chunker's buffers is preserved.
func (m *Manager) PauseSession(channelID string) error {
	sess, err := m.session(channelID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.paused = true
	sess.mu.Unlock()
	m.logger.WithField("channel_id", channelID).Info("session paused")
	return nil
}

// ResumeSession restarts ingress for a paused session.
func (m *Manager) ResumeSession(channelID string) error {
	sess, err := m.session(channelID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.paused = false
	sess.mu.Unlock()
	m.logger.WithField("channel_id", channelID).Info("session resumed")
	return nil
}

func (m *Manager) session(channelID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, exists := m.sessions[channelID]
	if !exists {
		return nil, fmt.Errorf("session: no open session for channel %s", channelID)
	}
	return sess, nil
}

// StopSession runs the chunker's stop sequence, advances the meeting's
// status, and hands the meeting off to the pipeline orchestrator by
// enqueuing a Transcribe job. Per spec.md §4.4: status becomes `processing`
// if transcodes are still pending when StopTimeout elapses, or
// `transcribing` once every persistent recording is promoted and the
// Transcribe job is handed off. StopSession never sets `completed`, and no
// pipeline stage writes that status either; the Embed stage reports the end
// of processing through its ParticipantNotifier.
func (m *Manager) StopSession(channelID string) error {
	m.mu.Lock()
	sess, exists := m.sessions[channelID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("session: no open session for channel %s", channelID)
	}
	delete(m.sessions, channelID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
	defer cancel()

	recordings, err := sess.chunker.Stop(ctx)
	if err != nil {
		return fmt.Errorf("session: stopping chunker for meeting %s: %w", sess.Meeting.ID, err)
	}

	pending, err := m.recordingRepo.PendingTranscodeCount(sess.Meeting.ID)
	if err != nil {
		m.logger.WithError(err).WithField("meeting_id", sess.Meeting.ID).Warn("failed to check pending transcode count after stop")
	}
	if pending > 0 {
		if err := m.meetingRepo.UpdateMeetingStatus(sess.Meeting.ID, model.MeetingProcessing); err != nil {
			m.logger.WithError(err).Warn("failed to update meeting status to processing")
		}
		m.logger.WithFields(logrus.Fields{"meeting_id": sess.Meeting.ID, "pending": pending}).Warn("stop timed out with transcodes still pending")
		return nil
	}

	if err := m.meetingRepo.UpdateMeetingStatus(sess.Meeting.ID, model.MeetingTranscribing); err != nil {
		m.logger.WithError(err).Warn("failed to update meeting status to transcribing")
	}

	recordingIDs := make([]string, 0, len(recordings))
	userIDs := make([]string, 0, len(recordings))
	for _, r := range recordings {
		recordingIDs = append(recordingIDs, r.ID)
		userIDs = append(userIDs, r.UserID)
	}

	if len(recordingIDs) == 0 {
		m.logger.WithField("meeting_id", sess.Meeting.ID).Warn("no persistent recordings produced, not enqueuing transcribe job")
		return nil
	}

	if err := m.transcribe.EnqueueTranscribe(sess.Meeting.ID, recordingIDs, userIDs); err != nil {
		return fmt.Errorf("session: enqueuing transcribe job for meeting %s: %w", sess.Meeting.ID, err)
	}

	m.logger.WithFields(logrus.Fields{"meeting_id": sess.Meeting.ID, "recordings": len(recordingIDs)}).Info("session stopped, handed off to pipeline")
	return nil
}
