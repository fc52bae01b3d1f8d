package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chattalabs/chatta-core/internal/bus"
	"github.com/chattalabs/chatta-core/internal/config"
	"github.com/chattalabs/chatta-core/internal/estimate"
	"github.com/chattalabs/chatta-core/internal/natsserver"
	"github.com/chattalabs/chatta-core/internal/playback"
	"github.com/chattalabs/chatta-core/internal/providers"
	"github.com/chattalabs/chatta-core/internal/selector"
	"github.com/chattalabs/chatta-core/internal/session"
	"github.com/chattalabs/chatta-core/internal/stt"
	"github.com/chattalabs/chatta-core/internal/tts"
)

// Runtime wires the bus, the session store, the provider registry, and
// the speak/transcribe services into one process and owns their
// lifecycle.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	busClient  *bus.Client
	sessions   *session.Store
	speak      *tts.Service
	transcribe *stt.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.embedded = embedded
	}

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		r.stopEmbedded()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	sessions, err := session.Open(ctx, r.cfg.SessionStore, r.logger)
	if err != nil {
		r.closeBus()
		return fmt.Errorf("failed to open session store: %w", err)
	}
	r.sessions = sessions

	if err := r.startServices(ctx); err != nil {
		r.closeBus()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
		}
	}()

	r.startPruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}

	if r.speak != nil {
		r.speak.Close()
	}
	if r.transcribe != nil {
		r.transcribe.Close()
	}
	r.closeBus()
	if err := r.sessions.Close(); err != nil {
		r.logger.Error("session store close error", slogError(err))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}

	return nil
}

// startServices builds the provider plane shared by both services and
// brings up the ones the config enables.
func (r *Runtime) startServices(ctx context.Context) error {
	store := selector.NewStore()
	registry := providers.NewRegistry(r.cfg.Breaker, r.cfg.Providers, r.logger)
	pick := selector.New(r.cfg.Selector, store, r.logger)

	if r.cfg.Speak.Enabled {
		synths := make(map[string]tts.Synthesizer)
		for _, pc := range r.cfg.ProvidersOfKind("tts") {
			synth, err := tts.NewSynthesizer(pc, r.cfg.Speak)
			if err != nil {
				return fmt.Errorf("build tts provider %s: %w", pc.Name, err)
			}
			synths[pc.Name] = synth
		}
		r.speak = tts.NewService(ctx, r.cfg.Speak, r.cfg.Buffer, tts.Deps{
			Bus:       r.busClient,
			Registry:  registry,
			Selector:  pick,
			Metrics:   store,
			Estimator: estimate.New(r.cfg.Estimator),
			Rates:     playback.NewRateController(r.cfg.Rate),
			Sessions:  r.sessions,
			Synths:    synths,
			Logger:    r.logger,
		})
		if err := r.speak.Start(); err != nil {
			return fmt.Errorf("start speak service: %w", err)
		}
		r.logger.Info("speak service started", slog.Int("providers", len(synths)))
	}

	if r.cfg.Transcribe.Enabled {
		recognizers := make(map[string]stt.Recognizer)
		for _, pc := range r.cfg.ProvidersOfKind("stt") {
			rec, err := stt.NewRecognizer(pc, r.cfg.Transcribe)
			if err != nil {
				return fmt.Errorf("build stt provider %s: %w", pc.Name, err)
			}
			recognizers[pc.Name] = rec
		}
		r.transcribe = stt.NewService(ctx, r.cfg.Transcribe, stt.Deps{
			Bus:         r.busClient,
			Registry:    registry,
			Selector:    pick,
			Metrics:     store,
			Sessions:    r.sessions,
			Recognizers: recognizers,
			Logger:      r.logger,
		})
		if err := r.transcribe.Start(); err != nil {
			return fmt.Errorf("start transcribe service: %w", err)
		}
		r.logger.Info("transcribe service started", slog.Int("providers", len(recognizers)))
	}

	return nil
}

// startPruneLoop runs session retention on an hourly cadence.
func (r *Runtime) startPruneLoop(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.sessions.Prune(ctx); err != nil {
					r.logger.Warn("session prune failed", slogError(err))
				}
			}
		}
	}()
}

func (r *Runtime) stopEmbedded() {
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func (r *Runtime) closeBus() {
	if r.busClient != nil {
		r.busClient.Close()
		r.busClient = nil
	}
	r.stopEmbedded()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	healthy := r.ready.Load()
	if healthy && r.busClient != nil {
		healthy = r.busClient.Healthy()
	}
	if healthy && r.speak != nil {
		healthy = r.speak.Healthy()
	}
	if healthy && r.transcribe != nil {
		healthy = r.transcribe.Healthy()
	}
	if healthy {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
