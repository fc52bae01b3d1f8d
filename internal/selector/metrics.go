package selector

import (
	"sync"
	"time"
)

// ProviderMetrics holds rolling counters for one backend provider.
// TotalLatency accumulates seconds across successful requests only.
type ProviderMetrics struct {
	TotalRequests      int64
	SuccessfulRequests int64
	TotalLatency       float64
	LastFailure        time.Time
}

// SuccessRate is 1.0 for a provider with no recorded requests.
func (m ProviderMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1.0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// AvgLatency is the mean latency in seconds across successful requests,
// 0 when none succeeded yet.
func (m ProviderMetrics) AvgLatency() float64 {
	if m.SuccessfulRequests == 0 {
		return 0.0
	}
	return m.TotalLatency / float64(m.SuccessfulRequests)
}

// Store keeps per-provider metrics for the lifetime of the process.
// Entries are created lazily on first record and never deleted.
type Store struct {
	mu      sync.Mutex
	entries map[string]*ProviderMetrics
	clock   func() time.Time
}

func NewStore() *Store {
	return &Store{
		entries: make(map[string]*ProviderMetrics),
		clock:   time.Now,
	}
}

func (s *Store) RecordSuccess(providerID string, latencySeconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.entry(providerID)
	m.TotalRequests++
	m.SuccessfulRequests++
	m.TotalLatency += latencySeconds
}

func (s *Store) RecordFailure(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.entry(providerID)
	m.TotalRequests++
	m.LastFailure = s.clock()
}

// Metrics returns a copy of the metrics for providerID. The second return
// is false when the provider has never been recorded.
func (s *Store) Metrics(providerID string) (ProviderMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entries[providerID]
	if !ok {
		return ProviderMetrics{}, false
	}
	return *m, true
}

// TrackedProviders reports how many providers have recorded history.
func (s *Store) TrackedProviders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) entry(providerID string) *ProviderMetrics {
	m, ok := s.entries[providerID]
	if !ok {
		m = &ProviderMetrics{}
		s.entries[providerID] = m
	}
	return m
}
