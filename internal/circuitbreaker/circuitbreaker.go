// Package circuitbreaker guards the external collaborators (chain RPC, the
// annotation platform) against hammering a peer that is down. While a breaker
// is open, calls fail fast with ErrOpen and the reconciliation tick moves on;
// the next tick probes again after the cool-off.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/exchange-oracle/internal/logging"
)

// State is the breaker state.
type State string

const (
	// StateClosed lets calls through.
	StateClosed State = "closed"
	// StateOpen fails calls fast until the cool-off elapses.
	StateOpen State = "open"
	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned without invoking the call while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Config configures one breaker.
type Config struct {
	// Name identifies the guarded collaborator in logs.
	Name string
	// Threshold is the number of consecutive tripping failures that opens
	// the breaker.
	Threshold int
	// CoolOff is how long the breaker stays open before probing.
	CoolOff time.Duration
	// Probes is how many consecutive successes in half-open close the
	// breaker again. A single failed probe reopens it.
	Probes int
	// Trips classifies errors. Only errors it reports true for count
	// against the threshold; a not-found answer from a healthy peer must
	// not open the breaker. Nil counts every error.
	Trips func(error) bool
}

// Breaker is a consecutive-failure circuit breaker around one collaborator.
type Breaker struct {
	name    string
	trips   func(error) bool
	thresh  int
	coolOff time.Duration
	probes  int
	logger  *logging.Logger
	now     func() time.Time

	mu          sync.Mutex
	state       State
	consecutive int
	probeCalls  int
	probeWins   int
	openedAt    time.Time
}

// New creates a breaker. Zero config fields get conservative defaults.
func New(cfg Config, logger *logging.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	trips := cfg.Trips
	if trips == nil {
		trips = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:    cfg.Name,
		trips:   trips,
		thresh:  cfg.Threshold,
		coolOff: cfg.CoolOff,
		probes:  cfg.Probes,
		logger:  logger.WithField("breaker", cfg.Name),
		now:     time.Now,
		state:   StateClosed,
	}
}

// Do runs fn unless the breaker is open, and records the outcome. The
// returned error is fn's own error, or ErrOpen when the call was refused.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	if ctx.Err() != nil {
		// A cancelled caller says nothing about the collaborator's health.
		return err
	}
	b.record(err)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.coolOff {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probeCalls = 0
		b.probeWins = 0
		b.logger.Info("circuit breaker half-open, probing")
		fallthrough
	case StateHalfOpen:
		if b.probeCalls >= b.probes {
			return ErrOpen
		}
		b.probeCalls++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.trips(err) {
		b.consecutive++
		switch b.state {
		case StateHalfOpen:
			b.open("probe failed")
		case StateClosed:
			if b.consecutive >= b.thresh {
				b.open("failure threshold reached")
			}
		}
		return
	}

	b.consecutive = 0
	if b.state == StateHalfOpen {
		b.probeWins++
		if b.probeWins >= b.probes {
			b.state = StateClosed
			b.logger.Info("circuit breaker closed after recovery")
		}
	}
}

func (b *Breaker) open(reason string) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.logger.WithFields(map[string]interface{}{
		"reason":               reason,
		"consecutive_failures": b.consecutive,
	}).Warn("circuit breaker opened")
}
