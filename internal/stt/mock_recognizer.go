package stt

import (
	"context"
	"strings"

	"github.com/chattalabs/chatta-core/internal/config"
)

// mockRecognizer fabricates a transcript proportional to the audio length,
// enough to exercise partial cadence and fallback without a backend. Final
// passes report higher confidence than interim ones, the way real engines
// firm up once the utterance is complete.
type mockRecognizer struct {
	language string
}

func NewMockRecognizer(cfg config.TranscribeConfig) Recognizer {
	return &mockRecognizer{language: cfg.Language}
}

func (m *mockRecognizer) Transcribe(_ context.Context, seg Segment) (TranscriptResult, error) {
	// Roughly two filler words per second of audio, at least one.
	words := int(seg.Seconds()*2) + 1
	confidence := 0.6
	if seg.Final {
		confidence = 0.95
	}
	return TranscriptResult{
		Text:       strings.TrimSpace(strings.Repeat("chatta ", words)),
		Language:   m.language,
		Confidence: confidence,
	}, nil
}
