// Package voiceingest decodes incoming Opus voice packets into the raw
// PCM the Chunker (C3) consumes. It is the thin wire-format adapter
// between the chat platform's voice gateway (out of scope: spec.md §1's
// "chat-platform client library") and the Session Manager's
// IngestPacket call, grounded on the Opus-decode loop in the teacher's
// internal/audio/async_processor.go ProcessVoiceReceive.
package voiceingest

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"layeh.com/gopus"
)

const (
	bytesPerSample        = 2 // 16-bit PCM
	comfortNoiseMaxBytes  = 3 // packets this small or smaller are comfort noise, not speech
)

// PacketIngester is the subset of session.Manager a Decoder feeds
// decoded PCM into.
type PacketIngester interface {
	IngestPacket(channelID, userID string, pcm []byte) error
}

// Decoder owns one Opus decoder per active speaker (SSRC), since
// gopus.Decoder carries per-stream state across packets.
type Decoder struct {
	sampleRate int
	channels   int
	frameSize  int

	decoders map[uint32]*gopus.Decoder
	logger   *logrus.Entry
}

// NewDecoder builds a Decoder for the given sample rate/channel count
// (spec.md §6's 48kHz/stereo audio contract) and the fixed 20ms frame
// size every voice packet carries.
func NewDecoder(sampleRate, channels, frameSize int) *Decoder {
	return &Decoder{
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
		decoders:   make(map[uint32]*gopus.Decoder),
		logger:     logrus.WithField("component", "voiceingest"),
	}
}

func (d *Decoder) decoderFor(ssrc uint32) (*gopus.Decoder, error) {
	if dec, ok := d.decoders[ssrc]; ok {
		return dec, nil
	}
	dec, err := gopus.NewDecoder(d.sampleRate, d.channels)
	if err != nil {
		return nil, fmt.Errorf("voiceingest: creating opus decoder for ssrc %d: %w", ssrc, err)
	}
	d.decoders[ssrc] = dec
	return dec, nil
}

// Forget releases the decoder state for a stream that has gone silent
// (the speaker left or the session ended), so a later SSRC reuse starts
// from a clean decoder state.
func (d *Decoder) Forget(ssrc uint32) {
	delete(d.decoders, ssrc)
}

// IngestOpusPacket decodes one Opus packet for ssrc/userID and forwards
// the resulting PCM to ingester. Comfort-noise packets (near-empty,
// sent during silence) are dropped without being decoded or forwarded,
// matching the teacher's comfort-noise short-circuit.
func (d *Decoder) IngestOpusPacket(ingester PacketIngester, channelID, userID string, ssrc uint32, opus []byte) error {
	if len(opus) <= comfortNoiseMaxBytes {
		return nil
	}

	dec, err := d.decoderFor(ssrc)
	if err != nil {
		return err
	}

	samples, err := dec.Decode(opus, d.frameSize, false)
	if err != nil {
		d.logger.WithError(err).WithField("ssrc", ssrc).Debug("dropping packet that failed to decode")
		return nil
	}

	pcm := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	return ingester.IngestPacket(channelID, userID, pcm)
}
