package domain

import "time"

// Frame is one fixed-size chunk of interleaved PCM audio.
// Sequence is the running sample count (per channel) of the first sample in
// the frame and doubles as the presentation timestamp.
type Frame struct {
	Sequence   uint64
	Samples    []int16
	SampleRate uint32
	Channels   uint8
}

// SampleCount returns the number of samples per channel.
func (f Frame) SampleCount() int {
	if f.Channels == 0 {
		return 0
	}
	return len(f.Samples) / int(f.Channels)
}

// Duration returns the playout duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SampleCount()) * time.Second / time.Duration(f.SampleRate)
}
