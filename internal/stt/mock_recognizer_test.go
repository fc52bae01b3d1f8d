package stt

import (
	"context"
	"strings"
	"testing"

	"github.com/chattalabs/chatta-core/internal/config"
)

func TestSegmentSeconds(t *testing.T) {
	// 1 second of 16-bit mono at 16kHz.
	seg := Segment{PCM: make([]byte, 32000), SampleRate: 16000, Channels: 1}
	if got := seg.Seconds(); got != 1.0 {
		t.Fatalf("Seconds() = %v, want 1.0", got)
	}
	if got := (Segment{PCM: make([]byte, 32000)}).Seconds(); got != 0 {
		t.Fatalf("Seconds() without format = %v, want 0", got)
	}
}

func TestMockRecognizerScalesWithAudio(t *testing.T) {
	rec := NewMockRecognizer(config.TranscribeConfig{Language: "en"})

	short, err := rec.Transcribe(context.Background(), Segment{
		PCM: make([]byte, 32000), SampleRate: 16000, Channels: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	long, err := rec.Transcribe(context.Background(), Segment{
		PCM: make([]byte, 96000), SampleRate: 16000, Channels: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if short.Text == "" || long.Text == "" {
		t.Fatal("mock transcripts must not be empty")
	}
	if len(strings.Fields(long.Text)) <= len(strings.Fields(short.Text)) {
		t.Fatalf("longer audio should yield more words: %q vs %q", long.Text, short.Text)
	}
	if short.Language != "en" {
		t.Fatalf("language = %q, want en", short.Language)
	}
}

func TestMockRecognizerConfidenceFirmsUpOnFinal(t *testing.T) {
	rec := NewMockRecognizer(config.TranscribeConfig{})
	seg := Segment{PCM: make([]byte, 32000), SampleRate: 16000, Channels: 1}

	partial, err := rec.Transcribe(context.Background(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seg.Final = true
	final, err := rec.Transcribe(context.Background(), seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if final.Confidence <= partial.Confidence {
		t.Fatalf("final confidence %v must exceed partial %v", final.Confidence, partial.Confidence)
	}
}
