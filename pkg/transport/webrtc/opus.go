package webrtc

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/voiceorder/pkg/audio"
)

// The realtime endpoint negotiates 48 kHz Opus. Microphone audio is encoded
// mono at 20 ms per packet.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// maxOpusPacket bounds one encoded packet.
	maxOpusPacket = 4000
)

const opusFrameDuration = opusFrameSizeMs * time.Millisecond

// opusEncoder packs microphone PCM into exact 20 ms Opus packets, buffering
// remainders across calls.
type opusEncoder struct {
	enc     *gopus.Encoder
	pending []int16
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode appends f (48 kHz mono) and returns every complete packet.
func (e *opusEncoder) encode(f audio.AudioFrame) ([][]byte, error) {
	e.pending = append(e.pending, audio.Samples(f.Data)...)
	var out [][]byte
	for len(e.pending) >= opusFrameSize {
		pkt, err := e.enc.Encode(e.pending[:opusFrameSize], opusFrameSize, maxOpusPacket)
		if err != nil {
			return out, fmt.Errorf("webrtc: opus encode: %w", err)
		}
		out = append(out, pkt)
		e.pending = e.pending[opusFrameSize:]
	}
	return out, nil
}

// opusDecoder turns remote Opus packets into 48 kHz mono PCM frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) decode(pkt []byte) (audio.AudioFrame, error) {
	pcm, err := d.dec.Decode(pkt, opusFrameSize, false)
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("webrtc: opus decode: %w", err)
	}
	return audio.AudioFrame{Data: audio.PCM(pcm), SampleRate: opusSampleRate, Channels: opusChannels}, nil
}
