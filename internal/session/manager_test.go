package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fankserver/meeting-pipeline/internal/model"
)

type fakeMeetingRepo struct {
	mu       sync.Mutex
	meetings map[string]model.Meeting
}

func newFakeMeetingRepo() *fakeMeetingRepo {
	return &fakeMeetingRepo{meetings: make(map[string]model.Meeting)}
}

func (r *fakeMeetingRepo) InsertMeeting(m model.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meetings[m.ID] = m
	return nil
}

func (r *fakeMeetingRepo) UpdateMeetingStatus(id string, status model.MeetingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.meetings[id]
	m.Status = status
	r.meetings[id] = m
	return nil
}

func (r *fakeMeetingRepo) GetMeeting(id string) (model.Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meetings[id], nil
}

type fakeChunkStore struct {
	mu     sync.Mutex
	chunks map[string][]byte
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{chunks: make(map[string][]byte)}
}

func (s *fakeChunkStore) WriteChunk(meetingID, userID string, idx int, pcm []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filename := meetingID + "_" + userID + "_chunk.pcm"
	s.chunks[filename] = pcm
	return filename, nil
}

func (s *fakeChunkStore) DeleteChunkFile(filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, filename)
	return nil
}

func (s *fakeChunkStore) ReadTranscodedOutput(tempRecordingID string) ([]byte, error) {
	return []byte("encoded"), nil
}

func (s *fakeChunkStore) WritePersistentRecording(meetingID, userID string, data []byte) (string, error) {
	return meetingID + "_" + userID + ".mp3", nil
}

type fakeRecordingRepo struct {
	mu          sync.Mutex
	temps       []model.TempRecording
	persistents []model.PersistentRecording
}

func newFakeRecordingRepo() *fakeRecordingRepo {
	return &fakeRecordingRepo{}
}

func (r *fakeRecordingRepo) InsertTempRecording(rec model.TempRecording) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.temps = append(r.temps, rec)
	return nil
}

func (r *fakeRecordingRepo) UpdateTranscodeStatus(id string, status model.TranscodeStatus) error {
	return nil
}

func (r *fakeRecordingRepo) DeleteTempRecording(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.temps {
		if t.ID == id {
			r.temps = append(r.temps[:i], r.temps[i+1:]...)
			break
		}
	}
	return nil
}

func (r *fakeRecordingRepo) ListTempRecordings(meetingID, userID string) ([]model.TempRecording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.TempRecording
	for _, t := range r.temps {
		if t.MeetingID == meetingID && t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeRecordingRepo) PendingTranscodeCount(meetingID string) (int, error) {
	return 0, nil
}

func (r *fakeRecordingRepo) InsertPersistentRecording(rec model.PersistentRecording) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistents = append(r.persistents, rec)
	return nil
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []model.TempRecording
}

func (e *fakeEnqueuer) EnqueueTranscode(rec model.TempRecording) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enqueued = append(e.enqueued, rec)
	return nil
}

type fakeTranscribeEnqueuer struct {
	mu    sync.Mutex
	calls []string
}

func (e *fakeTranscribeEnqueuer) EnqueueTranscribe(meetingID string, recordingIDs, userIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, meetingID)
	return nil
}

func newTestManager() (*Manager, *fakeMeetingRepo, *fakeRecordingRepo, *fakeTranscribeEnqueuer) {
	meetingRepo := newFakeMeetingRepo()
	recordingRepo := newFakeRecordingRepo()
	transcribe := &fakeTranscribeEnqueuer{}
	m := NewManager(meetingRepo, newFakeChunkStore(), recordingRepo, &fakeEnqueuer{}, transcribe, nil)
	return m, meetingRepo, recordingRepo, transcribe
}

func TestStartSession_InsertsRecordingMeeting(t *testing.T) {
	m, repo, _, _ := newTestManager()

	sess, err := m.StartSession("chan-1", "", "requester-1", "guild-1")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Meeting.ID)

	stored, err := repo.GetMeeting(sess.Meeting.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MeetingRecording, stored.Status)
	assert.Equal(t, "guild-1", stored.GuildID)
}

func TestStartSession_DuplicateChannelRejected(t *testing.T) {
	m, _, _, _ := newTestManager()

	_, err := m.StartSession("chan-1", "", "requester", "guild")
	require.NoError(t, err)

	_, err = m.StartSession("chan-1", "", "requester", "guild")
	assert.Error(t, err)
}

func TestPauseResumeSession_BlocksAndAllowsIngress(t *testing.T) {
	m, _, _, _ := newTestManager()
	_, err := m.StartSession("chan-1", "", "requester", "guild")
	require.NoError(t, err)

	require.NoError(t, m.PauseSession("chan-1"))

	pcm := make([]byte, 3840) // one frame, silence
	require.NoError(t, m.IngestPacket("chan-1", "user-a", pcm))

	require.NoError(t, m.ResumeSession("chan-1"))
	require.NoError(t, m.IngestPacket("chan-1", "user-a", pcm))
}

func TestStopSession_EnqueuesTranscribeAndAdvancesStatus(t *testing.T) {
	m, meetingRepo, _, transcribe := newTestManager()
	sess, err := m.StartSession("chan-1", "", "requester", "guild")
	require.NoError(t, err)

	// Fill a full window for one user so a PersistentRecording is produced.
	pcm := make([]byte, 5_760_000)
	require.NoError(t, m.IngestPacket("chan-1", "user-a", pcm))

	require.NoError(t, m.StopSession("chan-1"))

	stored, err := meetingRepo.GetMeeting(sess.Meeting.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MeetingTranscribing, stored.Status)

	transcribe.mu.Lock()
	defer transcribe.mu.Unlock()
	assert.Equal(t, []string{sess.Meeting.ID}, transcribe.calls)
}

func TestStopSession_UnknownChannelErrors(t *testing.T) {
	m, _, _, _ := newTestManager()
	err := m.StopSession("does-not-exist")
	assert.Error(t, err)
}

func TestIngestPacket_RejectedAfterStop(t *testing.T) {
	m, _, _, _ := newTestManager()
	_, err := m.StartSession("chan-1", "", "requester", "guild")
	require.NoError(t, err)
	require.NoError(t, m.StopSession("chan-1"))

	err = m.IngestPacket("chan-1", "user-a", make([]byte, 3840))
	assert.Error(t, err)
}

func TestStopTimeoutConstant(t *testing.T) {
	assert.Equal(t, 5*time.Minute, StopTimeout)
}
