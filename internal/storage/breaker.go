package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cairocoder/erfa3ly/internal/logging"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("storage circuit breaker is open")

// Breaker fails fast after consecutive failures and lets a single trial call
// through once the cool-down has passed.
type Breaker struct {
	mu sync.Mutex

	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool

	rejected uint64
}

// NewBreaker opens after maxFailures consecutive failures and tries again
// after cooldown.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{maxFailures: maxFailures, cooldown: cooldown, now: time.Now}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.lastFailure) <= b.cooldown {
			b.rejected++
			return ErrCircuitOpen
		}
		b.state = CircuitHalfOpen
		b.probing = true
		logging.Info("storage circuit half-open", logging.Fields{"cooldown": b.cooldown.String()})
	case CircuitHalfOpen:
		if b.probing {
			b.rejected++
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		if b.state != CircuitClosed {
			logging.Info("storage circuit closed", nil)
		}
		b.state = CircuitClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == CircuitHalfOpen || b.failures >= b.maxFailures {
		if b.state != CircuitOpen {
			logging.Warn("storage circuit opened", logging.Fields{
				"failures": b.failures,
				"cooldown": b.cooldown.String(),
			})
		}
		b.state = CircuitOpen
	}
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejected returns how many calls were refused.
func (b *Breaker) Rejected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Guarded wraps a Backend so that authorize and target requests go through a
// Breaker. Puts are left to the caller's retry policy. Missing objects and
// rejected credentials do not count as outages.
type Guarded struct {
	Backend
	breaker *Breaker
}

// Guard wraps b with br.
func Guard(b Backend, br *Breaker) *Guarded {
	return &Guarded{Backend: b, breaker: br}
}

// Breaker returns the breaker guarding the backend.
func (g *Guarded) Breaker() *Breaker { return g.breaker }

func outage(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAuth) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Guarded) Authorize(ctx context.Context) (Authorization, error) {
	if err := g.breaker.allow(); err != nil {
		return Authorization{}, err
	}
	auth, err := g.Backend.Authorize(ctx)
	g.breaker.record(outage(err))
	return auth, err
}

func (g *Guarded) GetUploadTarget(ctx context.Context, auth Authorization, info ObjectInfo) (Target, error) {
	if err := g.breaker.allow(); err != nil {
		return Target{}, errors.Join(ErrTargetUnavailable, err)
	}
	t, err := g.Backend.GetUploadTarget(ctx, auth, info)
	g.breaker.record(outage(err))
	return t, err
}

func (g *Guarded) Stat(ctx context.Context, key string) error {
	if err := g.breaker.allow(); err != nil {
		return err
	}
	err := g.Backend.Stat(ctx, key)
	g.breaker.record(outage(err))
	return err
}
