// Package visualizer derives the read-only activity signal the UI renders
// while the assistant is live: a smoothed volume level and a periodic
// snapshot feed of status, speaking flag, and volume.
//
// Nothing in this package has control authority over the pipeline.
package visualizer

import (
	"math"
	"sync/atomic"
)

const (
	// volumeFloor keeps the visualiser from flat-lining while capturing.
	volumeFloor = 0.1

	// volumeDecay is the weight of the previous value in the smoothing step.
	volumeDecay = 0.8

	// rmsGain scales instantaneous RMS energy before smoothing.
	rmsGain = 2
)

// Meter is the smoothed volume signal. It is updated once per captured frame
// and read by any number of observers. The zero value reads 0. Safe for
// concurrent use without locks.
type Meter struct {
	bits atomic.Uint64
}

// Update folds one frame's RMS energy into the signal using
// v' = max(0.1, v*0.8 + rms*2) and returns the new raw value.
func (m *Meter) Update(rms float64) float64 {
	for {
		old := m.bits.Load()
		next := math.Max(volumeFloor, math.Float64frombits(old)*volumeDecay+rms*rmsGain)
		if m.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return next
		}
	}
}

// Level returns the signal normalised to [0, 1].
func (m *Meter) Level() float64 {
	return math.Min(1, math.Max(0, m.Raw()))
}

// Raw returns the unclamped smoothed value.
func (m *Meter) Raw() float64 {
	return math.Float64frombits(m.bits.Load())
}

// Reset sets the signal back to 0.
func (m *Meter) Reset() {
	m.bits.Store(0)
}
