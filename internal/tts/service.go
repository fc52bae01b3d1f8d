package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chattalabs/chatta-core/internal/bus"
	"github.com/chattalabs/chatta-core/internal/config"
	"github.com/chattalabs/chatta-core/internal/estimate"
	"github.com/chattalabs/chatta-core/internal/playback"
	"github.com/chattalabs/chatta-core/internal/protocol"
	"github.com/chattalabs/chatta-core/internal/providers"
	"github.com/chattalabs/chatta-core/internal/selector"
	"github.com/chattalabs/chatta-core/internal/session"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Deps bundles the collaborators of the speak service. The metrics store,
// selector, and registry are process-wide shared state; buffers and rate
// decisions are created per stream.
type Deps struct {
	Bus       *bus.Client
	Registry  *providers.Registry
	Selector  *selector.Selector
	Metrics   *selector.Store
	Estimator *estimate.Estimator
	Rates     *playback.RateController
	Sessions  *session.Store
	Synths    map[string]Synthesizer
	Logger    *slog.Logger
}

// Service answers speak requests on the bus: it picks the best available
// TTS provider, streams synthesis through the adaptive buffer, and
// publishes audio chunks once enough is buffered to start playback.
type Service struct {
	cfg     config.SpeakConfig
	bufCfg  config.BufferConfig
	deps    Deps
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	publish func(subject string, data []byte) error
	clock   func() time.Time
	ttfa    metric.Float64Histogram
}

func NewService(parent context.Context, cfg config.SpeakConfig, bufCfg config.BufferConfig, deps Deps) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		bufCfg: bufCfg,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		logger: deps.Logger.With(slog.String("component", "speak-service")),
		clock:  time.Now,
	}
	if deps.Bus != nil {
		s.publish = deps.Bus.Conn().Publish
	} else {
		s.publish = func(string, []byte) error { return nil }
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/chattalabs/chatta-core/tts")
	hist, err := meter.Float64Histogram("chatta.speak.ttfa_seconds",
		metric.WithDescription("Time from speak request to first playable audio"))
	if err != nil {
		s.logger.Warn("failed to initialize ttfa histogram", slogError(err))
		return
	}
	s.ttfa = hist
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.deps.Bus.Conn().Subscribe(protocol.SubjectSpeakRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe speak requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()
		s.processRequest(ctx, req)
	}()
}

// processRequest runs the full pipeline for one speak request, falling
// back across providers when synthesis fails.
func (s *Service) processRequest(ctx context.Context, req protocol.SpeakRequest) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.DefaultVoice
	}

	s.ensureSession(ctx, req)
	s.checkpoint(ctx, req, "", session.StageRequestReceived, map[string]any{
		"voice": voice,
		"chars": len(req.Text),
	})

	var remaining []string
	if req.Provider != "" {
		remaining = []string{req.Provider}
	} else {
		remaining = s.deps.Registry.Candidates("tts")
	}

	for len(remaining) > 0 {
		name, err := s.deps.Selector.SelectBest(remaining)
		if err != nil {
			break
		}
		synth, ok := s.deps.Synths[name]
		if !ok {
			remaining = remove(remaining, name)
			continue
		}
		// Claim the call with the breaker; a half-open circuit admits
		// only one probe at a time.
		if b := s.deps.Registry.Breaker(name); b != nil {
			if err := b.Allow(); err != nil {
				remaining = remove(remaining, name)
				continue
			}
		}
		s.checkpoint(ctx, req, name, session.StageProviderSelected, nil)

		if err := s.streamOne(ctx, name, synth, req, voice); err != nil {
			s.logger.Warn("synthesis failed, trying next provider",
				slog.String("provider", name), slogError(err))
			s.deps.Metrics.RecordFailure(name)
			if b := s.deps.Registry.Breaker(name); b != nil {
				b.RecordFailure()
			}
			remaining = remove(remaining, name)
			continue
		}

		s.checkpoint(ctx, req, name, session.StageCompleted, nil)
		s.publishDone(req, name, nil)
		return
	}

	err := fmt.Errorf("no tts provider could serve the request")
	s.checkpoint(ctx, req, "", session.StageFailed, map[string]any{"error": err.Error()})
	s.publishDone(req, "", err)
}

// streamOne drives a single provider's synthesis stream through the
// adaptive buffer. A nil return means audio was produced and the outcome
// was recorded as a success.
func (s *Service) streamOne(ctx context.Context, name string, synth Synthesizer, req protocol.SpeakRequest, voice string) error {
	expected := s.deps.Estimator.EstimateDuration(req.Text, voice)
	buf := playback.NewBuffer(s.bufCfg.TargetPercentage, float64(s.bufCfg.MinBufferMS)/1000.0)
	buf.SetExpectedDuration(expected)

	start := s.clock()
	var firstChunk time.Time

	chunks, errs := synth.Synthesize(ctx, SynthRequest{SessionID: req.SessionID, Text: req.Text, Voice: voice})
	var synthErr error
	sequence := 0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if firstChunk.IsZero() {
				firstChunk = s.clock()
			}
			buf.AddChunk(chunk.PCM, chunk.Seconds())
			if buf.ShouldStartPlayback() {
				if err := buf.StartPlayback(); err == nil {
					s.announcePlayback(ctx, req, name, buf)
				}
			}
			chunk.Sequence = sequence
			sequence++
			s.publishChunk(req, name, chunk, s.deps.Rates.Rate(buf.Health()))
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			errs = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if synthErr != nil {
		return synthErr
	}
	if sequence == 0 {
		return fmt.Errorf("provider %s produced no audio", name)
	}

	// A stream that ended below the start threshold still plays out in full.
	if !buf.Started() {
		s.announcePlayback(ctx, req, name, buf)
	}

	latency := firstChunk.Sub(start).Seconds()
	s.deps.Metrics.RecordSuccess(name, latency)
	if b := s.deps.Registry.Breaker(name); b != nil {
		b.RecordSuccess()
	}
	s.deps.Registry.MarkUsed(name)
	return nil
}

// announcePlayback publishes the playback transition and writes the
// matching checkpoint at the moment the stage actually happens.
func (s *Service) announcePlayback(ctx context.Context, req protocol.SpeakRequest, provider string, buf *playback.Buffer) {
	rate := s.deps.Rates.Rate(buf.Health())
	status := protocol.PlaybackStatus{
		SessionID:        req.SessionID,
		Target:           req.Target,
		Provider:         provider,
		Started:          true,
		Rate:             rate,
		BufferedSeconds:  buf.BufferedSeconds(),
		ExpectedSeconds:  buf.ExpectedSeconds(),
		TimeToFirstAudio: buf.TimeToFirstAudio().Seconds(),
		Timestamp:        s.clock().UTC(),
	}
	if s.ttfa != nil && buf.Started() {
		s.ttfa.Record(context.Background(), buf.TimeToFirstAudio().Seconds())
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Warn("failed to marshal playback status", slogError(err))
		return
	}
	if err := s.publish(protocol.SubjectPlaybackStatus, data); err != nil {
		s.logger.Warn("failed to publish playback status", slogError(err))
	}
	s.checkpoint(ctx, req, provider, session.StagePlaybackStarted, map[string]any{
		"ttfa_seconds":    buf.TimeToFirstAudio().Seconds(),
		"chunks_to_start": buf.ChunksBeforeStart(),
	})
}

func (s *Service) publishChunk(req protocol.SpeakRequest, provider string, chunk SynthChunk, rate float64) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		Provider:   provider,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
		Rate:       rate,
		Final:      chunk.Final,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		s.logger.Warn("failed to marshal audio chunk", slogError(err))
		return
	}
	if err := s.publish(protocol.SubjectSpeakAudio, data); err != nil {
		s.logger.Warn("failed to publish audio chunk", slogError(err))
	}
}

func (s *Service) publishDone(req protocol.SpeakRequest, provider string, cause error) {
	status := protocol.SpeakStatus{
		SessionID: req.SessionID,
		Target:    req.Target,
		Provider:  provider,
		Completed: cause == nil,
		Timestamp: s.clock().UTC(),
	}
	if cause != nil {
		status.Error = cause.Error()
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Warn("failed to marshal speak status", slogError(err))
		return
	}
	if err := s.publish(protocol.SubjectSpeakDone, data); err != nil {
		s.logger.Warn("failed to publish speak status", slogError(err))
	}
}

func (s *Service) ensureSession(ctx context.Context, req protocol.SpeakRequest) {
	if s.deps.Sessions == nil {
		return
	}
	if err := s.deps.Sessions.EnsureSession(ctx, req.SessionID, "speak"); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
	}
}

func (s *Service) checkpoint(ctx context.Context, req protocol.SpeakRequest, provider, stage string, payload map[string]any) {
	if s.deps.Sessions == nil {
		return
	}
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	cp := session.Checkpoint{
		SessionID: req.SessionID,
		TraceID:   req.TraceID,
		Provider:  provider,
		Stage:     stage,
		Payload:   body,
	}
	if err := s.deps.Sessions.AppendCheckpoint(ctx, cp); err != nil {
		s.logger.Warn("failed to append checkpoint", slogError(err))
	}
}

func remove(list []string, name string) []string {
	out := list[:0]
	for _, v := range list {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
