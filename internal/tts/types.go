package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Seconds reports the playable duration of the chunk, assuming 16-bit PCM.
func (c SynthChunk) Seconds() float64 {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	return float64(len(c.PCM)) / float64(c.SampleRate*c.Channels*2)
}
