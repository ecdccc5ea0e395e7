package webrtc

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusPacket bounds one encoded packet; RFC 6716 recommends 4000 bytes.
const maxOpusPacket = 4000

// opusEncoder wraps a gopus encoder for the outbound track.
type opusEncoder struct {
	enc      *gopus.Encoder
	channels int
}

// newOpusEncoder creates a VoIP-tuned encoder at the capture rate.
// Opus accepts 8, 12, 16, 24 and 48 kHz input.
func newOpusEncoder(sampleRate, channels int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, channels: channels}, nil
}

// encode encodes one frame of interleaved samples.
func (e *opusEncoder) encode(pcm []int16) ([]byte, error) {
	packet, err := e.enc.Encode(pcm, len(pcm)/e.channels, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return packet, nil
}
