package tts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synth.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func collect(t *testing.T, chunks <-chan SynthChunk, errs <-chan error) ([]SynthChunk, error) {
	t.Helper()
	var out []SynthChunk
	var streamErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				streamErr = err
			}
			errs = nil
		}
	}
	return out, streamErr
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("", 16000, 1); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecSynthStreamsFrames(t *testing.T) {
	// "AAAAAA==" is four zero bytes of PCM.
	script := writeScript(t,
		`printf '{"pcm":"AAAAAA==","final":false}\n{"pcm":"AAAAAA==","final":true}\n'`+"\n")
	synth, err := NewExecSynth("sh "+script, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{SessionID: "s1", Text: "hi"})
	out, streamErr := collect(t, chunks, errs)
	if streamErr != nil {
		t.Fatalf("unexpected stream error: %v", streamErr)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(out))
	}
	if len(out[0].PCM) != 4 || out[0].Final {
		t.Fatalf("unexpected first chunk: %+v", out[0])
	}
	if !out[1].Final || out[1].Sequence != 1 {
		t.Fatalf("unexpected last chunk: %+v", out[1])
	}
	if out[0].SampleRate != 16000 || out[0].Channels != 1 {
		t.Fatalf("chunk format not stamped: %+v", out[0])
	}
}

func TestExecSynthReportsBackendError(t *testing.T) {
	script := writeScript(t, `printf '{"error":"voice model missing"}\n'`+"\n")
	synth, err := NewExecSynth("sh "+script, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	out, streamErr := collect(t, chunks, errs)
	if len(out) != 0 {
		t.Fatalf("expected no chunks, got %d", len(out))
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "voice model missing") {
		t.Fatalf("expected backend error, got %v", streamErr)
	}
}

func TestExecSynthSurfacesStderrOnFailure(t *testing.T) {
	script := writeScript(t, "echo 'out of memory' >&2\nexit 3\n")
	synth, err := NewExecSynth("sh "+script, 16000, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	_, streamErr := collect(t, chunks, errs)
	if streamErr == nil || !strings.Contains(streamErr.Error(), "out of memory") {
		t.Fatalf("expected stderr in error, got %v", streamErr)
	}
}
