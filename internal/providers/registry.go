package providers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chattalabs/chatta-core/internal/breaker"
	"github.com/chattalabs/chatta-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Info describes one configured backend provider and its current guard
// state.
type Info struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Mode     string    `json:"mode"`
	State    string    `json:"state"`
	LastUsed time.Time `json:"last_used,omitempty"`
}

// Registry holds the configured STT/TTS providers together with one
// circuit breaker per provider. It is shared, mutex-guarded state; the
// services consult it to build breaker-filtered candidate sets for the
// selector.
type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	configs  map[string]config.ProviderConfig
	order    []string
	breakers map[string]*breaker.Breaker
	lastUsed map[string]time.Time

	meter         metric.Meter
	providerGauge metric.Int64ObservableGauge
	openGauge     metric.Int64ObservableGauge
}

func NewRegistry(cfg config.BreakerConfig, providerConfigs []config.ProviderConfig, log *slog.Logger) *Registry {
	r := &Registry{
		log:      log.With(slog.String("component", "provider-registry")),
		configs:  make(map[string]config.ProviderConfig),
		breakers: make(map[string]*breaker.Breaker),
		lastUsed: make(map[string]time.Time),
		meter:    otel.Meter("github.com/chattalabs/chatta-core/providers"),
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	for _, pc := range providerConfigs {
		r.configs[pc.Name] = pc
		r.order = append(r.order, pc.Name)
		r.breakers[pc.Name] = breaker.New(cfg.FailureThreshold, timeout)
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Candidates returns the names of providers of the given kind whose
// breakers would currently admit a call, in declaration order. Listing
// does not claim the half-open probe; callers claim it with Allow on the
// provider they actually invoke.
func (r *Registry) Candidates(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, name := range r.order {
		pc := r.configs[name]
		if pc.Kind != kind {
			continue
		}
		if !r.breakers[name].Ready() {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Config returns the configuration for a named provider.
func (r *Registry) Config(name string) (config.ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pc, ok := r.configs[name]
	return pc, ok
}

// Breaker returns the circuit breaker guarding a named provider.
func (r *Registry) Breaker(name string) *breaker.Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// MarkUsed records that a provider handled a request.
func (r *Registry) MarkUsed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed[name] = time.Now().UTC()
}

// Query returns provider info matching the filter, or all when nil.
func (r *Registry) Query(filter func(Info) bool) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Info
	for _, name := range r.order {
		pc := r.configs[name]
		info := Info{
			Name:     pc.Name,
			Kind:     pc.Kind,
			Mode:     pc.Mode,
			State:    r.breakers[name].State().String(),
			LastUsed: r.lastUsed[name],
		}
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("chatta.providers.configured",
		metric.WithDescription("Number of configured providers"))
	if err != nil {
		return err
	}
	openGauge, err := r.meter.Int64ObservableGauge("chatta.providers.circuits_open",
		metric.WithDescription("Number of providers with an open circuit"))
	if err != nil {
		return err
	}
	r.providerGauge = gauge
	r.openGauge = openGauge
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, open := r.snapshotCounts()
		obs.ObserveInt64(gauge, total)
		obs.ObserveInt64(openGauge, open)
		return nil
	}, gauge, openGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open int64
	for _, b := range r.breakers {
		if b.State() == breaker.Open {
			open++
		}
	}
	return int64(len(r.configs)), open
}

// WithKindFilter matches providers of one kind.
func WithKindFilter(kind string) func(Info) bool {
	return func(info Info) bool {
		return info.Kind == kind
	}
}

// WithStateFilter matches providers whose breaker is in the named state.
func WithStateFilter(state string) func(Info) bool {
	return func(info Info) bool {
		return info.State == state
	}
}
