package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/metrics"
)

// State of a Breaker.
//
//	Closed -> Open:      failure count reaches MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  probe succeeded
//	HalfOpen -> Open:    probe failed
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a Breaker.
type Config struct {
	// Name identifies the protected transport (e.g. "smtp", "ses").
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to stay open before letting a probe through.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests bounds concurrent probes while half-open.
	HalfOpenMaxRequests int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Breaker stops calling a failing email transport for a while so a
// scheduler tick does not spend its whole budget on timeouts.
type Breaker struct {
	mu     sync.Mutex
	config Config
	clock  clock.Clock
	logger *zap.Logger

	state            State
	failureCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a Breaker. A nil clk uses the wall clock.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if clk == nil {
		clk = clock.New()
	}

	b := &Breaker{
		config:          cfg,
		clock:           clk,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: clk.Now(),
	}
	metrics.SetBreakerState(cfg.Name, int(StateClosed))

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.clock.Now().Sub(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.halfOpenRequests = 1
			b.logger.Info("circuit breaker allowing probe request",
				zap.String("name", b.config.Name),
			)
			return true
		}
		b.totalRejected++
		return false

	case StateHalfOpen:
		if b.halfOpenRequests < b.config.HalfOpenMaxRequests {
			b.halfOpenRequests++
			return true
		}
		b.totalRejected++
		return false

	default:
		return false
	}
}

// RecordSuccess closes a half-open circuit and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.failureCount = 0

	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
		b.logger.Info("circuit breaker closed, transport recovered",
			zap.String("name", b.config.Name),
		)
	}
}

// RecordFailure opens the circuit after MaxFailures consecutive failures, or
// immediately when a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failureCount++
	b.lastFailureTime = b.clock.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.MaxFailures {
			b.transitionTo(StateOpen)
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failureCount),
				zap.Int("threshold", b.config.MaxFailures),
			)
		}

	case StateHalfOpen:
		b.transitionTo(StateOpen)
		b.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", b.config.Name),
		)
	}
}

// Release returns an unused half-open probe slot, for calls that ended
// without telling us anything about the transport.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenRequests > 0 {
		b.halfOpenRequests--
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Name() string {
	return b.config.Name
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:            b.config.Name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		TotalRequests:   b.totalRequests,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejected:   b.totalRejected,
		LastStateChange: b.lastStateChange.Format(time.RFC3339),
	}

	if !b.lastFailureTime.IsZero() {
		s.LastFailure = b.lastFailureTime.Format(time.RFC3339)
	}

	return s
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.failureCount = 0
	b.halfOpenRequests = 0

	b.logger.Info("circuit breaker manually reset",
		zap.String("name", b.config.Name),
	)
}

// transitionTo changes state (must be called with lock held).
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState
	b.lastStateChange = b.clock.Now()
	b.halfOpenRequests = 0
	metrics.SetBreakerState(b.config.Name, int(newState))

	b.logger.Debug("circuit breaker state transition",
		zap.String("name", b.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("Breaker[%s] state=%s failures=%d/%d",
		b.config.Name, b.state, b.failureCount, b.config.MaxFailures)
}
