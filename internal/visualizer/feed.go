package visualizer

import (
	"context"
	"math"
	"sync"
	"time"
)

// defaultInterval is how often a [Feed] samples its source.
const defaultInterval = 50 * time.Millisecond

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 8

// Snapshot is one observation of the assistant as the UI sees it.
type Snapshot struct {
	Status   string  `json:"status"`
	Speaking bool    `json:"speaking"`
	Volume   float64 `json:"volume"`
}

// equal compares snapshots, treating volumes within 1e-3 as unchanged so
// that sub-pixel jitter does not wake subscribers.
func (s Snapshot) equal(o Snapshot) bool {
	return s.Status == o.Status && s.Speaking == o.Speaking && math.Abs(s.Volume-o.Volume) < 1e-3
}

// Source is anything that can report a [Snapshot].
type Source interface {
	Snapshot() Snapshot
}

// FeedOption configures a [Feed].
type FeedOption func(*Feed)

// WithInterval sets the sampling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.interval = d
		}
	}
}

// Feed samples a [Source] on a fixed interval and fans changed snapshots out
// to subscribers. A subscriber that falls behind misses snapshots; the feed
// never blocks on it.
type Feed struct {
	src      Source
	interval time.Duration

	mu     sync.Mutex
	subs   map[chan Snapshot]struct{}
	last   Snapshot
	primed bool
}

// NewFeed creates a [Feed] over src.
func NewFeed(src Source, opts ...FeedOption) *Feed {
	f := &Feed{
		src:      src,
		interval: defaultInterval,
		subs:     make(map[chan Snapshot]struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Subscribe registers a new subscriber. The returned channel receives the
// current snapshot immediately and every change afterwards. Call the returned
// cancel func to unsubscribe; it closes the channel.
func (f *Feed) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	ch <- f.src.Snapshot()

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Run samples the source until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Poll()
		}
	}
}

// Poll samples the source once and publishes the snapshot if it changed.
func (f *Feed) Poll() {
	snap := f.src.Snapshot()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.primed && snap.equal(f.last) {
		return
	}
	f.last, f.primed = snap, true
	for ch := range f.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
