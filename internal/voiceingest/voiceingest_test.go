package voiceingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIngester struct {
	calls int
	pcm   []byte
}

func (f *fakeIngester) IngestPacket(channelID, userID string, pcm []byte) error {
	f.calls++
	f.pcm = pcm
	return nil
}

func TestIngestOpusPacket_ComfortNoiseSkipsDecode(t *testing.T) {
	d := NewDecoder(48000, 2, 960)
	ing := &fakeIngester{}

	err := d.IngestOpusPacket(ing, "chan-1", "user-a", 1, []byte{0xF8, 0xFF, 0xFE})
	require.NoError(t, err)
	assert.Equal(t, 0, ing.calls, "comfort noise packets must not reach the ingester")
}

func TestDecoderFor_ReusesDecoderPerSSRC(t *testing.T) {
	d := NewDecoder(48000, 2, 960)

	dec1, err := d.decoderFor(42)
	require.NoError(t, err)
	dec2, err := d.decoderFor(42)
	require.NoError(t, err)
	assert.Same(t, dec1, dec2)

	d.Forget(42)
	dec3, err := d.decoderFor(42)
	require.NoError(t, err)
	assert.NotSame(t, dec1, dec3)
}
