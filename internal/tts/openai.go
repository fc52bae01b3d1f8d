package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chattalabs/chatta-core/internal/config"
)

// openaiSynth streams audio from an OpenAI-compatible speech endpoint
// (POST {base_url}/v1/audio/speech), e.g. a locally hosted Kokoro server.
// The response body is raw PCM, sliced into fixed frames as it arrives.
type openaiSynth struct {
	baseURL    string
	apiKey     string
	model      string
	voice      string
	sampleRate int
	channels   int
	client     *http.Client
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

func NewOpenAISynth(pc config.ProviderConfig, sampleRate, channels int) Synthesizer {
	return &openaiSynth{
		baseURL:    strings.TrimRight(pc.BaseURL, "/"),
		apiKey:     pc.APIKey,
		model:      pc.Model,
		voice:      pc.Voice,
		sampleRate: sampleRate,
		channels:   channels,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

func (o *openaiSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		voice := req.Voice
		if voice == "" {
			voice = o.voice
		}
		payload := speechRequest{
			Model:          o.model,
			Input:          req.Text,
			Voice:          voice,
			ResponseFormat: "pcm",
		}
		body, err := json.Marshal(payload)
		if err != nil {
			errs <- err
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/audio/speech", bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if o.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
		}

		resp, err := o.client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			errs <- fmt.Errorf("speech endpoint returned status %s", resp.Status)
			return
		}

		// 100ms of 16-bit PCM per frame.
		frameBytes := o.sampleRate * o.channels * 2 / 10
		if frameBytes <= 0 {
			frameBytes = 4800
		}
		sequence := 0
		buf := make([]byte, frameBytes)
		for {
			n, readErr := io.ReadFull(resp.Body, buf)
			if n > 0 {
				final := readErr != nil
				pcm := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- SynthChunk{
					SessionID:  req.SessionID,
					Sequence:   sequence,
					SampleRate: o.sampleRate,
					Channels:   o.channels,
					PCM:        pcm,
					Final:      final,
				}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				sequence++
			}
			if readErr != nil {
				if readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
					errs <- readErr
				} else if n == 0 && sequence > 0 {
					// Body ended on a frame boundary; emit an empty final
					// marker so consumers see the end of stream.
					select {
					case chunks <- SynthChunk{
						SessionID:  req.SessionID,
						Sequence:   sequence,
						SampleRate: o.sampleRate,
						Channels:   o.channels,
						Final:      true,
					}:
					case <-ctx.Done():
						errs <- ctx.Err()
					}
				}
				return
			}
		}
	}()
	return chunks, errs
}
