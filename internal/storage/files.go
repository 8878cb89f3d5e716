package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileChunkStore is the local-disk implementation of chunker.ChunkStore.
// PCM windows are written as "{meeting_id}_{user_id}_chunk_{idx:04d}.pcm";
// transcoded output is read back as "{temp_recording_id}.mp3", written by
// internal/transcode once its job completes.
type FileChunkStore struct {
	baseDir string
}

// NewFileChunkStore ensures baseDir exists and returns a store rooted there.
func NewFileChunkStore(baseDir string) (*FileChunkStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating chunk directory %s: %w", baseDir, err)
	}
	return &FileChunkStore{baseDir: baseDir}, nil
}

// WriteChunk writes one finalized PCM window to disk.
func (s *FileChunkStore) WriteChunk(meetingID, userID string, idx int, pcm []byte) (string, error) {
	filename := fmt.Sprintf("%s_%s_chunk_%04d.pcm", meetingID, userID, idx)
	path := filepath.Join(s.baseDir, filename)
	if err := os.WriteFile(path, pcm, 0o644); err != nil {
		return "", fmt.Errorf("storage: writing chunk file %s: %w", filename, err)
	}
	return filename, nil
}

// DeleteChunkFile removes a raw PCM chunk file. The Chunker calls it when
// the chunk's TempRecording row cannot be inserted; the transcode job
// removes the PCM file itself after encoding, and TTL cleanup deletes rows
// only.
func (s *FileChunkStore) DeleteChunkFile(filename string) error {
	path := filepath.Join(s.baseDir, filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: deleting chunk file %s: %w", filename, err)
	}
	return nil
}

// ReadTranscodedOutput reads back the MP3 bytes produced by the PCM->MP3
// transcode job for one TempRecording.
func (s *FileChunkStore) ReadTranscodedOutput(tempRecordingID string) ([]byte, error) {
	path := filepath.Join(s.baseDir, tempRecordingID+".mp3")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: reading transcoded output for %s: %w", tempRecordingID, err)
	}
	return data, nil
}

// WritePersistentRecording writes a user's concatenated, transcoded
// recording to disk at session-stop promotion time, returning the stored
// filename (spec.md §3 PersistentRecording.filename).
func (s *FileChunkStore) WritePersistentRecording(meetingID, userID string, data []byte) (string, error) {
	filename := fmt.Sprintf("%s_%s.mp3", meetingID, userID)
	path := filepath.Join(s.baseDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: writing persistent recording %s: %w", filename, err)
	}
	return filename, nil
}

// ReadPersistentRecording reads back a promoted recording's encoded bytes
// by its stored filename, consumed by Stage 1 (Transcribe).
func (s *FileChunkStore) ReadPersistentRecording(filename string) ([]byte, error) {
	path := filepath.Join(s.baseDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: reading persistent recording %s: %w", filename, err)
	}
	return data, nil
}

// PCMPath returns the on-disk path of a raw PCM chunk file, used by
// internal/transcode to locate the job's input.
func (s *FileChunkStore) PCMPath(filename string) string {
	return filepath.Join(s.baseDir, filename)
}

// MP3Path returns the on-disk path a transcode job must write its output
// to for a given TempRecording.
func (s *FileChunkStore) MP3Path(tempRecordingID string) string {
	return filepath.Join(s.baseDir, tempRecordingID+".mp3")
}
