package capture

// Framer re-chunks device-sized sample blocks into fixed-size frames. Device
// backends deliver whatever their native buffer size is; the assistant
// expects a constant frame length on the wire.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	size int
	buf  []float32
}

// NewFramer returns a Framer emitting frames of size samples. A non-positive
// size panics.
func NewFramer(size int) *Framer {
	if size <= 0 {
		panic("capture: frame size must be positive")
	}
	return &Framer{size: size, buf: make([]float32, 0, size)}
}

// Size returns the frame length in samples.
func (f *Framer) Size() int { return f.size }

// Buffered returns the number of samples waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Add appends samples and returns every frame completed by them, in order.
// Returned frames are freshly allocated and may be retained by the caller.
func (f *Framer) Add(samples []float32) [][]float32 {
	var out [][]float32
	for len(samples) > 0 {
		n := min(f.size-len(f.buf), len(samples))
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) == f.size {
			frame := make([]float32, f.size)
			copy(frame, f.buf)
			out = append(out, frame)
			f.buf = f.buf[:0]
		}
	}
	return out
}

// Reset discards any partially filled frame.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
