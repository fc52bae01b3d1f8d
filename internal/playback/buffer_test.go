package playback

import (
	"errors"
	"testing"
	"time"
)

func TestStartThreshold(t *testing.T) {
	b := NewBuffer(0.35, 0.5)
	b.SetExpectedDuration(10.0)

	b.AddChunk(make([]byte, 4800), 3.4)
	if b.ShouldStartPlayback() {
		t.Fatalf("should not start at 3.4s of a 3.5s threshold")
	}
	b.AddChunk(make([]byte, 200), 0.1)
	if !b.ShouldStartPlayback() {
		t.Fatalf("should start at exactly 3.5s buffered")
	}
	if err := b.StartPlayback(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.StartPlayback(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if b.ShouldStartPlayback() {
		t.Fatal("predicate must be false once playback started")
	}
	if b.ChunksBeforeStart() != 2 {
		t.Fatalf("expected 2 chunks before start, got %d", b.ChunksBeforeStart())
	}
	if pct := b.StartPercentage(); pct != 0.35 {
		t.Fatalf("expected start percentage 0.35, got %v", pct)
	}
}

func TestMinBufferFloorDominates(t *testing.T) {
	b := NewBuffer(0.35, 2.0)
	b.SetExpectedDuration(1.0)

	// Percentage target is 0.35s but the absolute floor is 2s.
	b.AddChunk(nil, 1.0)
	if b.ShouldStartPlayback() {
		t.Fatal("floor of 2s not met")
	}
	b.AddChunk(nil, 1.0)
	if !b.ShouldStartPlayback() {
		t.Fatal("expected start once floor met")
	}
}

func TestUnsetExpectedDurationDisablesPercentageTrigger(t *testing.T) {
	b := NewBuffer(0.35, 0.5)

	if b.BufferedPercentage() != 0 {
		t.Fatalf("expected percentage 0 with unknown duration, got %v", b.BufferedPercentage())
	}
	b.AddChunk(nil, 0.4)
	if b.ShouldStartPlayback() {
		t.Fatal("floor of 0.5s not met")
	}
	b.AddChunk(nil, 0.1)
	if !b.ShouldStartPlayback() {
		t.Fatal("only the floor should gate playback with unknown duration")
	}
}

func TestTimeToFirstAudio(t *testing.T) {
	b := NewBuffer(0.35, 0)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.streamStart = start
	b.clock = func() time.Time { return start.Add(420 * time.Millisecond) }

	b.SetExpectedDuration(1.0)
	b.AddChunk(nil, 0.5)
	if err := b.StartPlayback(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.TimeToFirstAudio(); got != 420*time.Millisecond {
		t.Fatalf("expected ttfa 420ms, got %v", got)
	}
}

func TestHealthClamped(t *testing.T) {
	b := NewBuffer(0.35, 0.5)
	b.SetExpectedDuration(2.0)
	b.AddChunk(nil, 5.0)
	if h := b.Health(); h != 1.0 {
		t.Fatalf("expected clamped health 1.0, got %v", h)
	}
	if pct := b.BufferedPercentage(); pct != 2.5 {
		t.Fatalf("expected raw percentage 2.5, got %v", pct)
	}
}
