package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chattalabs/chatta-core/internal/config"
)

// openaiRecognizer uploads audio to an OpenAI-compatible transcription
// endpoint (POST {base_url}/v1/audio/transcriptions), e.g. a locally
// hosted Whisper server.
type openaiRecognizer struct {
	baseURL  string
	apiKey   string
	model    string
	language string
	client   *http.Client
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func NewOpenAIRecognizer(pc config.ProviderConfig, cfg config.TranscribeConfig) Recognizer {
	return &openaiRecognizer{
		baseURL:  strings.TrimRight(pc.BaseURL, "/"),
		apiKey:   pc.APIKey,
		model:    pc.Model,
		language: cfg.Language,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (r *openaiRecognizer) Transcribe(ctx context.Context, seg Segment) (TranscriptResult, error) {
	file, err := os.CreateTemp(os.TempDir(), "chatta_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, seg.PCM, seg.SampleRate, seg.Channels); err != nil {
		return TranscriptResult{}, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return TranscriptResult{}, fmt.Errorf("rewind wav: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return TranscriptResult{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return TranscriptResult{}, fmt.Errorf("copy wav into form: %w", err)
	}
	if err := writer.WriteField("model", r.model); err != nil {
		return TranscriptResult{}, err
	}
	if r.language != "" {
		if err := writer.WriteField("language", r.language); err != nil {
			return TranscriptResult{}, err
		}
	}
	if err := writer.Close(); err != nil {
		return TranscriptResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return TranscriptResult{}, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return TranscriptResult{}, fmt.Errorf("transcription endpoint returned status %s", resp.Status)
	}

	var decoded transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode transcription response: %w", err)
	}
	return TranscriptResult{Text: decoded.Text, Language: r.language}, nil
}
