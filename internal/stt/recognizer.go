package stt

import (
	"context"
)

// Segment is one span of session audio handed to a recognizer: the PCM
// accumulated so far plus its format. Final marks the last pass for the
// session.
type Segment struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Final      bool
}

// Seconds reports the segment's playable duration, assuming 16-bit PCM.
func (s Segment) Seconds() float64 {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	return float64(len(s.PCM)) / float64(s.SampleRate*s.Channels*2)
}

// TranscriptResult captures recognizer output. Confidence is 0 when the
// backend does not report one; Language is the detected or requested
// language tag.
type TranscriptResult struct {
	Text       string
	Language   string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, seg Segment) (TranscriptResult, error)
}
