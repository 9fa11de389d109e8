package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedAudioData is returned when PCM bytes cannot be interpreted as
// whole 16-bit samples (for example an odd byte length).
var ErrMalformedAudioData = errors.New("audio: malformed pcm data")

// pcmScale maps normalised floats onto the int16 range. Negative full scale
// is exactly -32768; positive values are clipped to 32767.
const pcmScale = 32768

// EncodePCM16 converts normalised float samples to 16-bit little-endian PCM.
// The output holds exactly 2*len(samples) bytes. Samples outside [-1, 1] and
// NaN are clipped to the representable range (NaN encodes as silence).
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		putSample(out, i, floatToInt16(s))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM back to normalised floats. It
// is the inverse of [EncodePCM16] up to integer quantisation (1/32768).
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedAudioData, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(sampleAt(pcm, i)) / pcmScale
	}
	return out, nil
}

func floatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	v := math.Round(float64(s) * pcmScale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Blob is the transport framing of a PCM chunk: base64 payload plus a MIME
// type carrying the sample rate, e.g. "audio/pcm;rate=16000".
type Blob struct {
	MIMEType string
	Data     string
}

// NewBlob encodes samples captured at sampleRate into a transport [Blob].
func NewBlob(samples []float32, sampleRate int) Blob {
	return Blob{
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", sampleRate),
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(samples)),
	}
}

// Bytes returns the raw PCM carried by the blob.
func (b Blob) Bytes() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudioData, err)
	}
	return pcm, nil
}

// DecodeBuffer turns a received PCM chunk in format src into a [Buffer] in
// format dst, resampling and channel-converting as needed. The buffer is
// ready to be started on an [OutputContext] running at dst.
//
// Returns [ErrMalformedAudioData] if pcm is not aligned to whole sample
// frames of src.
func DecodeBuffer(pcm []byte, src, dst Format) (*Buffer, error) {
	conv := Converter{Target: dst}
	converted, err := conv.Convert(pcm, src)
	if err != nil {
		return nil, err
	}
	samples, err := DecodePCM16(converted)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		Data:       samples,
		SampleRate: dst.SampleRate,
		Channels:   dst.Channels,
	}, nil
}

// RMS returns the root-mean-square energy of samples. An empty slice has zero
// energy.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
