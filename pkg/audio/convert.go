package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Converter converts 16-bit PCM chunks to a target format. It logs once on the
// first format mismatch so a misconfigured output device shows up in the logs
// without flooding them on every chunk.
// Create one per stream; safe for concurrent use.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts pcm from src to the converter's target format. If src
// already matches the target, pcm is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert, so that a
// stereo-to-mono conversion never pays for resampling both channels.
//
// Returns [ErrMalformedAudioData] when pcm is not aligned to whole sample
// frames of src.
func (c *Converter) Convert(pcm []byte, src Format) ([]byte, error) {
	if err := checkAligned(pcm, src.Channels); err != nil {
		return nil, err
	}
	if src == c.Target {
		return pcm, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting pcm format",
			"from", src.String(),
			"to", c.Target.String(),
		)
	})

	out := pcm
	if src.SampleRate != c.Target.SampleRate {
		if src.Channels == 2 {
			out = ResampleStereo16(out, src.SampleRate, c.Target.SampleRate)
		} else {
			out = ResampleMono16(out, src.SampleRate, c.Target.SampleRate)
		}
	}
	switch {
	case src.Channels == 1 && c.Target.Channels == 2:
		out = MonoToStereo(out)
	case src.Channels == 2 && c.Target.Channels == 1:
		out = StereoToMono(out)
	}
	return out, nil
}

// checkAligned reports whether pcm holds a whole number of 16-bit sample
// frames for the given channel count.
func checkAligned(pcm []byte, channels int) error {
	if channels <= 0 {
		channels = 1
	}
	if len(pcm)%(2*channels) != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudioData, len(pcm), 2*channels)
	}
	return nil
}

// sampleAt reads the little-endian int16 sample at sample index i.
func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

// putSample writes v as a little-endian int16 at sample index i.
func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// A trailing odd byte is ignored.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sampleAt(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages L+R per stereo frame to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, 2*i))
		r := int32(sampleAt(pcm, 2*i+1))
		putSample(out, i, clampInt16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. Non-positive rates or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved 16-bit stereo PCM from srcRate to
// dstRate using linear interpolation on each channel independently.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 2, srcRate, dstRate)
}

func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func clampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
