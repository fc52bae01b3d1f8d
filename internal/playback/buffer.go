package playback

import (
	"errors"
	"time"
)

// ErrAlreadyStarted is returned when playback start is requested twice on
// the same stream.
var ErrAlreadyStarted = errors.New("playback: already started")

// Buffer tracks audio received from a streaming synthesizer and decides
// when enough is held to begin playback without running dry. One instance
// lives per in-flight stream and is owned by the goroutine driving it;
// no locking.
//
// Playback may start once the buffered duration reaches
// max(minBufferSeconds, targetPercentage x expectedDuration). When the
// expected duration was never set the percentage trigger is disabled and
// only the absolute floor gates playback.
type Buffer struct {
	targetPercentage float64
	minBufferSeconds float64
	expectedDuration float64

	bufferedDuration float64
	bufferedBytes    int64
	chunkCount       int

	started           bool
	chunksBeforeStart int
	startPercentage   float64
	ttfa              time.Duration

	streamStart time.Time
	clock       func() time.Time
}

func NewBuffer(targetPercentage, minBufferSeconds float64) *Buffer {
	b := &Buffer{
		targetPercentage: targetPercentage,
		minBufferSeconds: minBufferSeconds,
		clock:            time.Now,
	}
	b.streamStart = b.clock()
	return b
}

// SetExpectedDuration seeds the total expected speech duration in seconds,
// supplied by the duration estimator before the first chunk arrives.
func (b *Buffer) SetExpectedDuration(seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	b.expectedDuration = seconds
}

// AddChunk accounts for one received chunk. O(1); the PCM itself is not
// retained here, only its duration.
func (b *Buffer) AddChunk(data []byte, durationSeconds float64) {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	b.bufferedDuration += durationSeconds
	b.bufferedBytes += int64(len(data))
	b.chunkCount++
}

// ShouldStartPlayback reports whether the start threshold has been reached
// and playback has not already begun.
func (b *Buffer) ShouldStartPlayback() bool {
	if b.started {
		return false
	}
	return b.bufferedDuration >= b.threshold()
}

// StartPlayback transitions the stream into playing exactly once, recording
// time-to-first-audio and the buffer state achieved at the start point.
func (b *Buffer) StartPlayback() error {
	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true
	b.chunksBeforeStart = b.chunkCount
	b.startPercentage = b.BufferedPercentage()
	b.ttfa = b.clock().Sub(b.streamStart)
	return nil
}

// BufferedPercentage is bufferedDuration / expectedDuration, 0 when the
// expected duration is unknown.
func (b *Buffer) BufferedPercentage() float64 {
	if b.expectedDuration <= 0 {
		return 0
	}
	return b.bufferedDuration / b.expectedDuration
}

// Health is the buffered fraction clamped to [0,1], the input expected by
// the rate controller. With no expected duration it reports 1 once the
// absolute floor is met, 0 before.
func (b *Buffer) Health() float64 {
	if b.expectedDuration <= 0 {
		if b.minBufferSeconds > 0 && b.bufferedDuration < b.minBufferSeconds {
			return 0
		}
		return 1
	}
	health := b.bufferedDuration / b.expectedDuration
	if health > 1 {
		health = 1
	}
	return health
}

func (b *Buffer) threshold() float64 {
	t := b.targetPercentage * b.expectedDuration
	if b.minBufferSeconds > t {
		t = b.minBufferSeconds
	}
	return t
}

func (b *Buffer) Started() bool { return b.started }

func (b *Buffer) BufferedSeconds() float64 { return b.bufferedDuration }

func (b *Buffer) ExpectedSeconds() float64 { return b.expectedDuration }

func (b *Buffer) BufferedBytes() int64 { return b.bufferedBytes }

func (b *Buffer) ChunkCount() int { return b.chunkCount }

func (b *Buffer) ChunksBeforeStart() int { return b.chunksBeforeStart }

func (b *Buffer) StartPercentage() float64 { return b.startPercentage }

func (b *Buffer) TimeToFirstAudio() time.Duration { return b.ttfa }
