package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chattalabs/chatta-core/internal/config"
	"github.com/chattalabs/chatta-core/internal/estimate"
	"github.com/chattalabs/chatta-core/internal/playback"
	"github.com/chattalabs/chatta-core/internal/protocol"
	"github.com/chattalabs/chatta-core/internal/providers"
	"github.com/chattalabs/chatta-core/internal/selector"
	"github.com/chattalabs/chatta-core/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubSynth struct {
	frames       int
	frameSeconds float64
	sampleRate   int
	channels     int
}

func (s *stubSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, s.frames)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		bytesPerFrame := int(float64(s.sampleRate*s.channels*2) * s.frameSeconds)
		for i := 0; i < s.frames; i++ {
			chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   i,
				SampleRate: s.sampleRate,
				Channels:   s.channels,
				PCM:        make([]byte, bytesPerFrame),
				Final:      i == s.frames-1,
			}
		}
	}()
	return chunks, errs
}

type failingSynth struct{}

func (f *failingSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		errs <- errors.New("backend unavailable")
	}()
	return chunks, errs
}

type capturingPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{messages: make(map[string][][]byte)}
}

func (p *capturingPublisher) publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[subject] = append(p.messages[subject], append([]byte(nil), data...))
	return nil
}

func (p *capturingPublisher) get(subject string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[subject]
}

func newTestService(t *testing.T, synths map[string]Synthesizer, providerConfigs []config.ProviderConfig) (*Service, *capturingPublisher, *selector.Store, *providers.Registry) {
	t.Helper()
	log := newLogger()
	defaults := config.Default()

	store := selector.NewStore()
	registry := providers.NewRegistry(defaults.Breaker, providerConfigs, log)
	sessions, err := session.Open(context.Background(), config.SessionStoreConfig{RetentionMode: "ephemeral"}, log)
	if err != nil {
		t.Fatalf("open ephemeral session store: %v", err)
	}

	svc := NewService(context.Background(),
		config.SpeakConfig{Enabled: true, DefaultVoice: "af_bella", SampleRate: 16000, Channels: 1},
		config.BufferConfig{TargetPercentage: 0.35, MinBufferMS: 500},
		Deps{
			Registry:  registry,
			Selector:  selector.New(defaults.Selector, store, log),
			Metrics:   store,
			Estimator: estimate.New(defaults.Estimator),
			Rates:     playback.NewRateController(defaults.Rate),
			Sessions:  sessions,
			Synths:    synths,
			Logger:    log,
		})
	t.Cleanup(svc.Close)

	pub := newCapturingPublisher()
	svc.publish = pub.publish
	return svc, pub, store, registry
}

func TestProcessRequestStreamsThroughBuffer(t *testing.T) {
	synths := map[string]Synthesizer{
		"kokoro": &stubSynth{frames: 3, frameSeconds: 0.3, sampleRate: 16000, channels: 1},
	}
	svc, pub, store, _ := newTestService(t, synths, []config.ProviderConfig{
		{Name: "kokoro", Kind: "tts", Mode: "mock"},
	})

	svc.processRequest(context.Background(), protocol.SpeakRequest{
		SessionID: "s1",
		Text:      "hello there world",
	})

	chunks := pub.get(protocol.SubjectSpeakAudio)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 audio chunks, got %d", len(chunks))
	}
	var last protocol.AudioChunk
	if err := json.Unmarshal(chunks[2], &last); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if !last.Final {
		t.Fatal("expected last chunk to be final")
	}
	if last.Rate <= 0 {
		t.Fatalf("expected a positive rate multiplier, got %v", last.Rate)
	}

	statuses := pub.get(protocol.SubjectPlaybackStatus)
	if len(statuses) != 1 {
		t.Fatalf("expected exactly one playback status, got %d", len(statuses))
	}
	var status protocol.PlaybackStatus
	if err := json.Unmarshal(statuses[0], &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Started || status.Provider != "kokoro" {
		t.Fatalf("unexpected playback status: %+v", status)
	}

	done := pub.get(protocol.SubjectSpeakDone)
	if len(done) != 1 {
		t.Fatalf("expected one completion status, got %d", len(done))
	}
	var final protocol.SpeakStatus
	if err := json.Unmarshal(done[0], &final); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if !final.Completed || final.Provider != "kokoro" {
		t.Fatalf("unexpected completion: %+v", final)
	}

	m, ok := store.Metrics("kokoro")
	if !ok || m.SuccessfulRequests != 1 {
		t.Fatalf("expected recorded success, got %+v", m)
	}
}

func TestProcessRequestFallsBackAcrossProviders(t *testing.T) {
	synths := map[string]Synthesizer{
		"flaky":  &failingSynth{},
		"stable": &stubSynth{frames: 2, frameSeconds: 0.5, sampleRate: 16000, channels: 1},
	}
	svc, pub, store, registry := newTestService(t, synths, []config.ProviderConfig{
		{Name: "flaky", Kind: "tts", Mode: "mock"},
		{Name: "stable", Kind: "tts", Mode: "mock"},
	})

	svc.processRequest(context.Background(), protocol.SpeakRequest{
		SessionID: "s2",
		Text:      "fall back please",
	})

	done := pub.get(protocol.SubjectSpeakDone)
	if len(done) != 1 {
		t.Fatalf("expected one completion status, got %d", len(done))
	}
	var final protocol.SpeakStatus
	if err := json.Unmarshal(done[0], &final); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if !final.Completed || final.Provider != "stable" {
		t.Fatalf("expected completion via stable, got %+v", final)
	}

	if m, _ := store.Metrics("flaky"); m.TotalRequests != 1 || m.SuccessfulRequests != 0 {
		t.Fatalf("expected recorded failure for flaky, got %+v", m)
	}
	if m, _ := store.Metrics("stable"); m.SuccessfulRequests != 1 {
		t.Fatalf("expected recorded success for stable, got %+v", m)
	}
	if open := registry.Query(providers.WithStateFilter("open")); len(open) != 0 {
		t.Fatalf("single failure must not open a circuit: %v", open)
	}
}

func TestProcessRequestNoProviders(t *testing.T) {
	svc, pub, _, _ := newTestService(t, map[string]Synthesizer{}, nil)

	svc.processRequest(context.Background(), protocol.SpeakRequest{SessionID: "s3", Text: "anyone there"})

	done := pub.get(protocol.SubjectSpeakDone)
	if len(done) != 1 {
		t.Fatalf("expected one completion status, got %d", len(done))
	}
	var final protocol.SpeakStatus
	if err := json.Unmarshal(done[0], &final); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if final.Completed || final.Error == "" {
		t.Fatalf("expected failed completion, got %+v", final)
	}
}

func TestCheckpointTimelineOrdersPlaybackBeforeCompletion(t *testing.T) {
	log := newLogger()
	defaults := config.Default()

	store := selector.NewStore()
	registry := providers.NewRegistry(defaults.Breaker, []config.ProviderConfig{
		{Name: "kokoro", Kind: "tts", Mode: "mock"},
	}, log)
	sessions, err := session.Open(context.Background(), config.SessionStoreConfig{
		Path:          filepath.Join(t.TempDir(), "sessions.db"),
		RetentionMode: "session",
		RetentionDays: 30,
		MaxSessions:   100,
	}, log)
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	svc := NewService(context.Background(),
		config.SpeakConfig{Enabled: true, DefaultVoice: "af_bella", SampleRate: 16000, Channels: 1},
		config.BufferConfig{TargetPercentage: 0.35, MinBufferMS: 500},
		Deps{
			Registry:  registry,
			Selector:  selector.New(defaults.Selector, store, log),
			Metrics:   store,
			Estimator: estimate.New(defaults.Estimator),
			Rates:     playback.NewRateController(defaults.Rate),
			Sessions:  sessions,
			Synths: map[string]Synthesizer{
				"kokoro": &stubSynth{frames: 3, frameSeconds: 0.3, sampleRate: 16000, channels: 1},
			},
			Logger: log,
		})
	t.Cleanup(svc.Close)
	svc.publish = newCapturingPublisher().publish

	svc.processRequest(context.Background(), protocol.SpeakRequest{
		SessionID: "timeline-1",
		Text:      "hello there world",
	})

	cps, err := sessions.ListCheckpoints(context.Background(), "timeline-1", 10)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	var stages []string
	for _, cp := range cps {
		stages = append(stages, cp.Stage)
	}
	want := []string{
		session.StageRequestReceived,
		session.StageProviderSelected,
		session.StagePlaybackStarted,
		session.StageCompleted,
	}
	if len(stages) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage[%d] = %q, want %q (timeline %v)", i, stages[i], want[i], stages)
		}
	}
	for _, cp := range cps {
		if cp.Stage == session.StagePlaybackStarted && cp.Provider != "kokoro" {
			t.Fatalf("playback checkpoint should carry the provider, got %q", cp.Provider)
		}
	}
}
