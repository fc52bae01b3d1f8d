package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs a local synthesis backend as a one-shot subprocess per
// request. The request goes in as a single JSON document on stdin; the
// backend answers with one JSON object per line on stdout, each carrying a
// base64 PCM frame:
//
//	{"pcm": "<base64>", "final": false}
//	{"pcm": "<base64>", "final": true}
//
// A line with an "error" field aborts the stream. Stderr is captured and
// attached to process failures.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execSynthRequest struct {
	SessionID  string `json:"session_id"`
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execSynthFrame struct {
	PCM   string `json:"pcm"`
	Final bool   `json:"final"`
	Error string `json:"error,omitempty"`
}

// maxFrameLine bounds one stdout line; a second of 16-bit stereo at 48kHz
// is roughly 256KiB of base64.
const maxFrameLine = 1 << 20

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.stream(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

// stream drives one subprocess from request to exit. The mutex serializes
// requests; exec backends are single-utterance model runtimes.
func (e *execSynth) stream(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execSynthRequest{
		SessionID:  req.SessionID,
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameLine)

	var streamErr error
	sequence := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame execSynthFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			streamErr = fmt.Errorf("decode synth frame: %w", err)
			break
		}
		if frame.Error != "" {
			streamErr = errors.New(frame.Error)
			break
		}
		pcm, err := base64.StdEncoding.DecodeString(frame.PCM)
		if err != nil {
			streamErr = fmt.Errorf("decode synth frame pcm: %w", err)
			break
		}
		select {
		case chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   sequence,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			PCM:        pcm,
			Final:      frame.Final,
		}:
		case <-ctx.Done():
			streamErr = ctx.Err()
		}
		if streamErr != nil {
			break
		}
		sequence++
	}
	if streamErr == nil {
		streamErr = scanner.Err()
	}
	if streamErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return streamErr
	}
	if err := cmd.Wait(); err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return fmt.Errorf("tts command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("tts command failed: %w", err)
	}
	return nil
}
