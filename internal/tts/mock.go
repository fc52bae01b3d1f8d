package tts

import (
	"context"
	"time"
)

// mockSynth produces a short run of silent PCM frames, enough to exercise
// the buffering pipeline without a backend.
type mockSynth struct {
	sampleRate int
	channels   int
	frames     int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, frames: 5}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, m.frames)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		// 200ms of silence per frame.
		frame := make([]byte, m.sampleRate*m.channels*2/5)
		for i := 0; i < m.frames; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(10 * time.Millisecond):
			}
			chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        append([]byte(nil), frame...),
				Final:      i == m.frames-1,
			}
		}
	}()
	return chunks, errs
}
