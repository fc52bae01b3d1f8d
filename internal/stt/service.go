package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chattalabs/chatta-core/internal/bus"
	"github.com/chattalabs/chatta-core/internal/config"
	"github.com/chattalabs/chatta-core/internal/protocol"
	"github.com/chattalabs/chatta-core/internal/providers"
	"github.com/chattalabs/chatta-core/internal/selector"
	"github.com/chattalabs/chatta-core/internal/session"
	"github.com/nats-io/nats.go"
)

// Deps bundles the collaborators of the transcribe service. Provider
// selection follows the same metrics-driven discipline as synthesis:
// candidates come from the registry, the selector ranks them, and
// outcomes feed back into the shared metrics store and breakers.
type Deps struct {
	Bus         *bus.Client
	Registry    *providers.Registry
	Selector    *selector.Selector
	Metrics     *selector.Store
	Sessions    *session.Store
	Recognizers map[string]Recognizer
	Logger      *slog.Logger
}

// Service accumulates audio frames per session and turns them into
// transcripts, publishing partials on a configurable cadence and a
// final once the session's last frame arrives.
type Service struct {
	cfg      config.TranscribeConfig
	deps     Deps
	sessions map[string]*sessionState
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup
	logger   *slog.Logger
	publish  func(subject string, data []byte) error
	clock    func() time.Time
}

type sessionState struct {
	Buffer       []byte
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

func NewService(parent context.Context, cfg config.TranscribeConfig, deps Deps) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*sessionState),
		ctx:      ctx,
		cancel:   cancel,
		logger:   deps.Logger.With(slog.String("component", "transcribe-service")),
		clock:    time.Now,
	}
	if deps.Bus != nil {
		s.publish = deps.Bus.Conn().Publish
	} else {
		s.publish = func(string, []byte) error { return nil }
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.deps.Bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
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

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	s.ingestFrame(frame)
}

// ingestFrame appends the frame's PCM to the session buffer and decides
// whether a transcription pass should run now.
func (s *Service) ingestFrame(frame protocol.AudioFrame) {
	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[frame.SessionID] = state
		s.recordSession(frame.SessionID)
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = s.clock()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if s.clock().Sub(state.LastPartial) >= interval {
		state.LastPartial = s.clock()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()
		s.runTranscription(ctx, sessionID, pcm, final)

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal bool
		if state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			if !final {
				state.LastPartial = s.clock()
			} else {
				delete(s.sessions, sessionID)
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

// runTranscription walks the ranked STT candidates until one produces a
// transcript, feeding outcomes back into the metrics store and breakers.
func (s *Service) runTranscription(ctx context.Context, sessionID string, pcm []byte, final bool) {
	remaining := s.deps.Registry.Candidates("stt")
	for len(remaining) > 0 {
		name, err := s.deps.Selector.SelectBest(remaining)
		if err != nil {
			break
		}
		rec, ok := s.deps.Recognizers[name]
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

		seg := Segment{
			PCM:        pcm,
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
			Final:      final,
		}
		start := s.clock()
		result, err := rec.Transcribe(ctx, seg)
		if err != nil {
			s.logger.Warn("transcription failed, trying next provider",
				slog.String("provider", name), slogError(err))
			s.deps.Metrics.RecordFailure(name)
			if b := s.deps.Registry.Breaker(name); b != nil {
				b.RecordFailure()
			}
			remaining = remove(remaining, name)
			continue
		}

		s.deps.Metrics.RecordSuccess(name, s.clock().Sub(start).Seconds())
		if b := s.deps.Registry.Breaker(name); b != nil {
			b.RecordSuccess()
		}
		s.deps.Registry.MarkUsed(name)
		s.publishTranscript(sessionID, name, result, final)
		if final {
			s.checkpoint(ctx, sessionID, name, session.StageCompleted, map[string]any{
				"chars": len(result.Text),
			})
		}
		return
	}

	s.logger.Warn("no stt provider could serve the session",
		slog.String("session_id", sessionID), slog.Bool("final", final))
	if final {
		s.checkpoint(ctx, sessionID, "", session.StageFailed, nil)
	}
}

func (s *Service) publishTranscript(sessionID, provider string, result TranscriptResult, final bool) {
	if result.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPart
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Provider:   provider,
		Text:       result.Text,
		Language:   result.Language,
		Partial:    !final,
		Timestamp:  s.clock().UTC(),
		Confidence: result.Confidence,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.publish(subject, data); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) recordSession(sessionID string) {
	if s.deps.Sessions == nil {
		return
	}
	if err := s.deps.Sessions.EnsureSession(context.Background(), sessionID, "transcribe"); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
	}
}

func (s *Service) checkpoint(ctx context.Context, sessionID, provider, stage string, payload map[string]any) {
	if s.deps.Sessions == nil {
		return
	}
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	cp := session.Checkpoint{
		SessionID: sessionID,
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
