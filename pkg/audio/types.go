package audio

import "time"

// Standard formats used by the assistant pipeline. Capture runs at 16 kHz mono
// because that is what the remote assistant expects on its input; synthesised
// speech comes back as 24 kHz mono.
var (
	CaptureFormat  = Format{SampleRate: 16000, Channels: 1}
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// DefaultFrameSize is the number of samples in one captured frame. At 16 kHz a
// frame spans 256 ms.
const DefaultFrameSize = 4096

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is a block of normalised float32 samples flowing out of an
// [InputStream]. Samples are interleaved when Channels > 1 and lie in [-1, 1].
// Frames are ephemeral: consumers must not retain Samples past the call that
// received them.
type Frame struct {
	// Samples holds the normalised sample values.
	Samples []float32

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int

	// Channels is 1 for mono capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return samplesToDuration(len(f.Samples)/f.Channels, f.SampleRate)
}

// Buffer is decoded audio addressable by an [OutputContext]. It is the
// float32 equivalent of a PCM chunk, already converted to the output format.
type Buffer struct {
	// Data holds interleaved normalised samples.
	Data []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels in Data.
	Channels int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return samplesToDuration(b.Frames(), b.SampleRate)
}

// samplesToDuration converts a sample-frame count at rate into a duration
// without accumulating float error.
func samplesToDuration(frames, rate int) time.Duration {
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}
