package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is open and the cooldown
// has not elapsed.
var ErrOpen = errors.New("breaker: circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a fail-fast guard around a repeatedly-failing dependency.
// It opens after a run of consecutive failures, fails calls fast for a
// cooldown period, then lets a single probe through: success closes the
// circuit, failure reopens it.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	failureThreshold int
	timeout          time.Duration
	lastTransition   time.Time
	probing          bool
	clock            func() time.Time
}

func New(failureThreshold int, timeout time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	b := &Breaker{
		state:            Closed,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		clock:            time.Now,
	}
	b.lastTransition = b.clock()
	return b
}

// Allow claims permission for one call. While open it returns ErrOpen
// until the timeout elapses, at which point the breaker moves to half-open
// and admits a single probe; further callers fail fast until that probe is
// resolved by RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.clock().Sub(b.lastTransition) < b.timeout {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Ready reports whether Allow would currently admit a call, without
// claiming the probe or changing state.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return b.clock().Sub(b.lastTransition) >= b.timeout
	case HalfOpen:
		return !b.probing
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets the failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != Closed {
		b.transition(Closed)
	}
}

// RecordFailure counts a consecutive failure; at the threshold, or on a
// failed half-open probe, the circuit opens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.failureThreshold {
		b.transition(Open)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(next State) {
	b.state = next
	b.lastTransition = b.clock()
	if next == Open {
		b.failures = 0
	}
}
