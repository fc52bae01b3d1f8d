package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/chattalabs/chatta-core/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer shells out to a local transcription runtime per call,
// handing it a temp WAV file and reading one JSON document back.
type execRecognizer struct {
	cmd      []string
	model    string
	language string
	mu       sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(pc config.ProviderConfig, cfg config.TranscribeConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(pc.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, model: pc.Model, language: cfg.Language}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, seg Segment) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "chatta_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, seg.PCM, seg.SampleRate, seg.Channels); err != nil {
		return TranscriptResult{}, err
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.model != "" {
		cmdArgs = append(cmdArgs, "--model", r.model)
	}
	if r.language != "" {
		cmdArgs = append(cmdArgs, "--language", r.language)
	}
	if !seg.Final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	language := resp.Language
	if language == "" {
		language = r.language
	}
	return TranscriptResult{Text: resp.Text, Language: language, Confidence: resp.Confidence}, nil
}
