package breaker

import (
	"sync"
	"time"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

// Breaker is the circuit for one (server, model) pair. State transitions are
// evaluated lazily on the next call after a deadline passes, never on a
// timer tick, so tests and callers observe exact boundaries.
type Breaker struct {
	mu sync.Mutex

	key domain.PairKey
	cfg config.CircuitBreakerConfig

	state                domain.BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	failureThreshold     int

	openedAt          time.Time
	halfOpenStartedAt time.Time
	halfOpenInFlight  int
	halfOpenAttempts  int

	errorRate         float64
	lastObservedAt    time.Time
	lastErrorKind     domain.ErrorKind
	lastFailureReason string

	// failure mix since the breaker last closed, drives the
	// non-retryable-ratio trip condition and adaptive adjustment.
	nonRetryableFailures int
	classifiedFailures   int

	onTransition func(key domain.PairKey, from, to domain.BreakerState)
	now          func() time.Time
}

func newBreaker(key domain.PairKey, cfg config.CircuitBreakerConfig, onTransition func(domain.PairKey, domain.BreakerState, domain.BreakerState)) *Breaker {
	return &Breaker{
		key:              key,
		cfg:              cfg,
		state:            domain.BreakerClosed,
		failureThreshold: cfg.BaseFailureThreshold,
		onTransition:     onTransition,
		now:              time.Now,
	}
}

// CanExecute reports whether a request may proceed. In half-open state a
// true return atomically claims one of the bounded probe slots; the caller
// must pair it with exactly one RecordSuccess or RecordFailure.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evaluateLocked()

	switch b.state {
	case domain.BreakerClosed:
		return true
	case domain.BreakerHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenMaxRequests {
			b.halfOpenInFlight++
			b.halfOpenAttempts++
			return true
		}
		return false
	default:
		return false
	}
}

// evaluateLocked applies time-based transitions lazily: open -> half-open
// once the open timeout elapses, and half-open -> open when the recovery
// window closes with no verdict and no probe still in flight.
func (b *Breaker) evaluateLocked() {
	switch b.state {
	case domain.BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return
		}
		b.transitionLocked(domain.BreakerHalfOpen)
		b.halfOpenStartedAt = b.now()
		b.halfOpenInFlight = 0
		b.halfOpenAttempts = 0
		b.consecutiveSuccesses = 0
	case domain.BreakerHalfOpen:
		if b.cfg.HalfOpenTimeout > 0 && b.halfOpenInFlight == 0 &&
			b.now().Sub(b.halfOpenStartedAt) >= b.cfg.HalfOpenTimeout {
			b.openLocked()
		}
	}
}

// decayErrorRateLocked ages the smoothed rate before a new observation is
// folded in, so quiet stretches longer than the window drop old failures
// out of the signal entirely.
func (b *Breaker) decayErrorRateLocked() {
	now := b.now()
	last := b.lastObservedAt
	b.lastObservedAt = now
	if b.cfg.ErrorRateWindow <= 0 || last.IsZero() {
		return
	}
	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return
	}
	if elapsed >= b.cfg.ErrorRateWindow {
		b.errorRate = 0
		return
	}
	b.errorRate *= 1 - float64(elapsed)/float64(b.cfg.ErrorRateWindow)
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.decayErrorRateLocked()
	alpha := b.cfg.ErrorRateSmoothing
	b.errorRate = (1 - alpha) * b.errorRate

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	switch b.state {
	case domain.BreakerHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if b.consecutiveSuccesses >= b.cfg.RecoverySuccessThreshold {
			b.closeLocked()
		} else {
			b.checkHalfOpenExhaustedLocked()
		}
	case domain.BreakerClosed:
		// Sustained health earns back threshold headroom surrendered to
		// earlier non-retryable failures.
		if b.cfg.AdaptiveThresholds && b.consecutiveSuccesses%10 == 0 {
			b.adjustThresholdLocked(b.cfg.AdaptiveThresholdAdjustment)
		}
	}
}

func (b *Breaker) RecordFailure(kind domain.ErrorKind, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.decayErrorRateLocked()
	alpha := b.cfg.ErrorRateSmoothing
	b.errorRate = alpha + (1-alpha)*b.errorRate

	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.lastErrorKind = kind
	b.lastFailureReason = reason

	b.classifiedFailures++
	if kind.NonRetryable() {
		b.nonRetryableFailures++
		if b.cfg.AdaptiveThresholds {
			b.adjustThresholdLocked(-b.cfg.AdaptiveThresholdAdjustment)
		}
	}

	switch b.state {
	case domain.BreakerHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		// First failure during recovery reopens immediately.
		b.openLocked()
	case domain.BreakerClosed:
		if b.shouldTripLocked(kind) {
			b.openLocked()
		}
	}
}

func (b *Breaker) shouldTripLocked(kind domain.ErrorKind) bool {
	if b.consecutiveFailures >= b.failureThreshold {
		return true
	}
	if b.errorRate >= b.cfg.ErrorRateThreshold {
		return true
	}
	if kind.NonRetryable() && b.classifiedFailures > 0 {
		ratio := float64(b.nonRetryableFailures) / float64(b.classifiedFailures)
		if ratio > b.cfg.NonRetryableRatioThreshold {
			return true
		}
	}
	return false
}

// ReleaseHalfOpen returns an unused half-open slot claimed by CanExecute
// when the attempt never reached the backend (e.g. cancelled before
// dispatch). Exhaustion is re-evaluated afterwards.
func (b *Breaker) ReleaseHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == domain.BreakerHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	b.checkHalfOpenExhaustedLocked()
}

// checkHalfOpenExhaustedLocked reopens the circuit when the half-open budget
// is spent without meeting the success threshold.
func (b *Breaker) checkHalfOpenExhaustedLocked() {
	if b.state != domain.BreakerHalfOpen {
		return
	}
	if b.halfOpenAttempts >= b.cfg.HalfOpenMaxRequests &&
		b.halfOpenInFlight == 0 &&
		b.consecutiveSuccesses < b.cfg.RecoverySuccessThreshold {
		b.openLocked()
	}
}

// ForceClose resets the breaker to closed and zeroes all counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	b.errorRate = 0
	b.lastErrorKind = domain.ErrKindNone
	b.lastFailureReason = ""
}

func (b *Breaker) openLocked() {
	b.transitionLocked(domain.BreakerOpen)
	b.openedAt = b.now()
	b.halfOpenStartedAt = time.Time{}
	b.halfOpenInFlight = 0
	b.halfOpenAttempts = 0
}

func (b *Breaker) closeLocked() {
	b.transitionLocked(domain.BreakerClosed)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.openedAt = time.Time{}
	b.halfOpenStartedAt = time.Time{}
	b.halfOpenInFlight = 0
	b.halfOpenAttempts = 0
	b.nonRetryableFailures = 0
	b.classifiedFailures = 0
}

func (b *Breaker) transitionLocked(to domain.BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onTransition != nil {
		// Callback runs outside the hot path expectations of callers; keep
		// it short on the implementing side.
		b.onTransition(b.key, from, to)
	}
}

func (b *Breaker) adjustThresholdLocked(delta int) {
	t := b.failureThreshold + delta
	if t < b.cfg.MinFailureThreshold {
		t = b.cfg.MinFailureThreshold
	}
	if t > b.cfg.MaxFailureThreshold {
		t = b.cfg.MaxFailureThreshold
	}
	b.failureThreshold = t
}

// State returns the current state after lazy transition evaluation.
func (b *Breaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evaluateLocked()
	return b.state
}

// Snapshot returns a coherent read view.
func (b *Breaker) Snapshot() domain.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evaluateLocked()

	return domain.BreakerSnapshot{
		ServerID:             b.key.ServerID,
		Model:                b.key.Model,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		FailureThreshold:     b.failureThreshold,
		OpenedAt:             b.openedAt,
		HalfOpenStartedAt:    b.halfOpenStartedAt,
		HalfOpenInFlight:     b.halfOpenInFlight,
		ErrorRate:            b.errorRate,
		LastErrorKind:        b.lastErrorKind,
		LastFailureReason:    b.lastFailureReason,
	}
}
