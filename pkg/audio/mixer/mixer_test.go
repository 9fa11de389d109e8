package mixer_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/autoos/pkg/audio"
	"github.com/MrWong99/autoos/pkg/audio/mixer"
)

// constBuffer returns a mono 24 kHz buffer of n samples, all set to v.
func constBuffer(n int, v float32) *audio.Buffer {
	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}
	return &audio.Buffer{Data: data, SampleRate: 24000, Channels: 1}
}

func ended(s audio.Source) bool {
	select {
	case <-s.Ended():
		return true
	default:
		return false
	}
}

func TestTimeline_CurrentTimeAdvancesWithRender(t *testing.T) {
	t.Parallel()

	tl := mixer.New(audio.PlaybackFormat)
	if got := tl.CurrentTime(); got != 0 {
		t.Fatalf("CurrentTime before render = %v, want 0", got)
	}
	out := make([]float32, 2400)
	if n := tl.Render(out); n != 2400 {
		t.Fatalf("Render returned %d frames, want 2400", n)
	}
	if got := tl.CurrentTime(); got != 100*time.Millisecond {
		t.Errorf("CurrentTime = %v, want 100ms", got)
	}
}

func TestTimeline_BackToBackIsGapless(t *testing.T) {
	t.Parallel()

	tl := mixer.New(audio.PlaybackFormat)
	a := constBuffer(240, 0.25) // 10 ms
	b := constBuffer(240, 0.5)

	sa, err := tl.Start(a, 0)
	if err != nil {
		t.Fatalf("Start a: %v", err)
	}
	sb, err := tl.Start(b, a.Duration())
	if err != nil {
		t.Fatalf("Start b: %v", err)
	}

	// Render in odd-sized blocks so the boundary falls inside a block.
	out := make([]float32, 0, 600)
	block := make([]float32, 97)
	for len(out) < 600 {
		tl.Render(block)
		out = append(out, block...)
	}

	for i := 0; i < 240; i++ {
		if out[i] != 0.25 {
			t.Fatalf("sample %d = %v, want 0.25", i, out[i])
		}
	}
	for i := 240; i < 480; i++ {
		if out[i] != 0.5 {
			t.Fatalf("sample %d = %v, want 0.5", i, out[i])
		}
	}
	for i := 480; i < 600; i++ {
		if out[i] != 0 {
			t.Fatalf("sample %d = %v, want silence", i, out[i])
		}
	}
	if !ended(sa) || !ended(sb) {
		t.Error("expected both sources to have ended")
	}
	if got := tl.Pending(); got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}
}

func TestTimeline_PastStartPlaysImmediately(t *testing.T) {
	t.Parallel()

	tl := mixer.New(audio.PlaybackFormat)
	tl.Render(make([]float32, 480))

	if _, err := tl.Start(constBuffer(10, 0.5), 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	out := make([]float32, 10)
	tl.Render(out)
	if out[0] != 0.5 {
		t.Errorf("first sample = %v, want 0.5", out[0])
	}
}

func TestTimeline_OverlappingSourcesMixAndClip(t *testing.T) {
	t.Parallel()

	tl := mixer.New(audio.PlaybackFormat)
	tl.Start(constBuffer(4, 0.25), 0)
	tl.Start(constBuffer(4, 0.25), 0)
	tl.Start(constBuffer(4, 0.75), 0)

	out := make([]float32, 4)
	tl.Render(out)
	if out[0] != 1 {
		t.Errorf("mixed sample = %v, want clipped 1", out[0])
	}
}

func TestTimeline_Gain(t *testing.T) {
	t.Parallel()

	tl := mixer.New(audio.PlaybackFormat, mixer.WithGain(0.5))
	tl.Start(constBuffer(4, 0.5), 0)
	out := make([]float32, 4)
	tl.Render(out)
	if out[0] != 0.25 {
		t.Errorf("sample = %v, want 0.25", out[0])
	}
}

func TestTimeline_StopSilencesAndEnds(t *testing.T) {
	t.Parallel()

	tl := mixer.New(audio.PlaybackFormat)
	s, _ := tl.Start(constBuffer(100, 0.5), 0)
	out := make([]float32, 10)
	tl.Render(out)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !ended(s) {
		t.Fatal("source not ended after Stop")
	}
	tl.Render(out)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("sample %d = %v after Stop, want 0", i, v)
		}
	}
	if err := s.Stop(); !errors.Is(err, mixer.ErrSourceEnded) {
		t.Errorf("second Stop err = %v, want ErrSourceEnded", err)
	}
}

func TestTimeline_StopPending(t *testing.T) {
	t.Parallel()

	tl := mixer.New(audio.PlaybackFormat)
	s, _ := tl.Start(constBuffer(10, 0.5), time.Second)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := tl.Pending(); got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}
}

func TestTimeline_FormatMismatch(t *testing.T) {
	t.Parallel()

	tl := mixer.New(audio.PlaybackFormat)
	_, err := tl.Start(&audio.Buffer{Data: make([]float32, 4), SampleRate: 48000, Channels: 2}, 0)
	if err == nil {
		t.Fatal("expected error for mismatched buffer format")
	}
}

func TestTimeline_Close(t *testing.T) {
	t.Parallel()

	tl := mixer.New(audio.PlaybackFormat)
	s, _ := tl.Start(constBuffer(10, 0.5), 0)

	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !ended(s) {
		t.Error("source not ended after Close")
	}
	if _, err := tl.Start(constBuffer(10, 0.5), 0); !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("Start after Close err = %v, want ErrClosed", err)
	}
	if n := tl.Render(make([]float32, 10)); n != 0 {
		t.Errorf("Render after Close = %d, want 0", n)
	}
}
