// Package audio holds the PCM primitives shared by the media transports:
// frames, format conversion, microphone sources and the gate that decides
// whether captured audio reaches the network.
package audio

import "time"

// AudioFrame is one chunk of little-endian signed 16-bit PCM.
type AudioFrame struct {
	// Data is interleaved PCM16.
	Data []byte

	// SampleRate in Hz (24000 for the realtime protocol, 48000 for Opus).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the capture offset from the start of the stream.
	Timestamp time.Duration
}

// Duration returns the playback length of f.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of a stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Well-known formats.
var (
	// FormatRealtime is the PCM16 format of the realtime protocol's
	// base64 audio messages.
	FormatRealtime = Format{SampleRate: 24000, Channels: 1}

	// FormatOpus is the capture format fed to the Opus encoder.
	FormatOpus = Format{SampleRate: 48000, Channels: 1}
)

// FrameBytes returns the byte length of a frame of d in format f.
func (f Format) FrameBytes(d time.Duration) int {
	return int(int64(f.SampleRate)*int64(d)/int64(time.Second)) * f.Channels * 2
}
