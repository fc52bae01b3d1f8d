package selector

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chattalabs/chatta-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrNoCandidates is returned when SelectBest is called with an empty
// candidate set.
var ErrNoCandidates = errors.New("selector: candidate set is empty")

type cacheEntry struct {
	provider string
	at       time.Time
}

// Selector ranks candidate providers by rolling success rate and latency,
// with a short-lived memoization of the last decision per candidate set.
//
// The scoring is deliberately exploration-free: a provider with no history
// scores a flat neutral value and recent failures decay the success rate
// linearly inside the recency window. A provider that never gets picked
// cannot recover its score through trial.
type Selector struct {
	cfg   config.SelectorConfig
	store *Store
	log   *slog.Logger
	clock func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry

	selections metric.Int64Counter
	cacheHits  metric.Int64Counter
}

func New(cfg config.SelectorConfig, store *Store, log *slog.Logger) *Selector {
	s := &Selector{
		cfg:   cfg,
		store: store,
		log:   log.With(slog.String("component", "selector")),
		clock: time.Now,
		cache: make(map[string]cacheEntry),
	}
	s.initMetrics()
	return s
}

func (s *Selector) initMetrics() {
	meter := otel.Meter("github.com/chattalabs/chatta-core/selector")
	var err error
	s.selections, err = meter.Int64Counter("chatta.selector.selections",
		metric.WithDescription("Number of provider selections performed"))
	if err != nil {
		s.log.Warn("failed to initialize selections counter", slog.String("error", err.Error()))
	}
	s.cacheHits, err = meter.Int64Counter("chatta.selector.cache_hits",
		metric.WithDescription("Number of selections served from the selection cache"))
	if err != nil {
		s.log.Warn("failed to initialize cache hit counter", slog.String("error", err.Error()))
	}
}

// SelectBest returns the highest-scoring candidate. Ties are broken by
// candidate order. The decision is cached per candidate set until the
// configured TTL elapses; stale entries are ignored at read time and only
// ever replaced by overwrite.
func (s *Selector) SelectBest(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}

	now := s.clock()
	key := cacheKey(candidates)

	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := time.Duration(s.cfg.CacheTTLMS) * time.Millisecond
	if entry, ok := s.cache[key]; ok && now.Sub(entry.at) < ttl {
		s.count(s.cacheHits)
		return entry.provider, nil
	}

	best := candidates[0]
	bestScore := s.Score(best, now)
	for _, candidate := range candidates[1:] {
		if score := s.Score(candidate, now); score > bestScore {
			best = candidate
			bestScore = score
		}
	}

	s.cache[key] = cacheEntry{provider: best, at: now}
	s.count(s.selections)
	s.log.Debug("selected provider",
		slog.String("provider", best),
		slog.Float64("score", bestScore),
		slog.Int("candidates", len(candidates)))
	return best, nil
}

// Score computes the selection score for one provider as of now.
// Providers without history score the configured neutral value.
func (s *Selector) Score(providerID string, now time.Time) float64 {
	m, ok := s.store.Metrics(providerID)
	if !ok || m.TotalRequests == 0 {
		return s.cfg.NeutralScore
	}
	return s.cfg.SuccessWeight*s.adjustedSuccessRate(m, now) +
		s.cfg.LatencyWeight*(1.0/(1.0+m.AvgLatency()))
}

// adjustedSuccessRate scales the raw success rate down toward zero the
// closer the last failure is to now, linearly across the recency window.
func (s *Selector) adjustedSuccessRate(m ProviderMetrics, now time.Time) float64 {
	rate := m.SuccessRate()
	window := time.Duration(s.cfg.RecencyWindowMS) * time.Millisecond
	if m.LastFailure.IsZero() || window <= 0 {
		return rate
	}
	elapsed := now.Sub(m.LastFailure)
	if elapsed >= window {
		return rate
	}
	if elapsed < 0 {
		elapsed = 0
	}
	fraction := float64(elapsed) / float64(window)
	return rate * (1.0 - s.cfg.RecencyPenalty*(1.0-fraction))
}

func (s *Selector) count(counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(context.Background(), 1)
	}
}

func cacheKey(candidates []string) string {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
