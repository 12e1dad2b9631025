package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gleipnir/internal/num"
)

// CircuitState is the breaker's coarse posture.
type CircuitState int

const (
	// Closed: trading allowed.
	Closed CircuitState = iota
	// Open: tripped, all intake rejected.
	Open
	// HalfOpen: cooldown expired, probing; one success closes, one loss or
	// error reopens.
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// BreakerConfig carries the trip thresholds.
type BreakerConfig struct {
	// MaxDrawdownPerMinute is the absolute loss cap over a rolling 60s window.
	MaxDrawdownPerMinute decimal.Decimal
	// MaxDailyDrawdown is a fraction of session start equity.
	MaxDailyDrawdown decimal.Decimal
	MaxConsecutiveErrors int
	Cooldown             time.Duration
}

// Incident describes the last trip for operator forensics.
type Incident struct {
	Reason  string
	Details string
	At      time.Time
}

// CircuitBreaker converts realized-P&L and error streams into one atomic
// boolean consulted on the hot path. Observation happens post-settlement, so
// the mutex below is never taken inside the matching loop.
type CircuitBreaker struct {
	tripped atomic.Bool

	cfg BreakerConfig
	now func() time.Time

	mu sync.Mutex
	st breakerState
}

type breakerState struct {
	status            CircuitState
	windowStart       time.Time
	windowLoss        decimal.Decimal
	sessionLoss       decimal.Decimal
	sessionEquity     decimal.Decimal
	consecutiveErrors int
	lastTrip          Incident
	trippedAt         time.Time
}

// NewCircuitBreaker builds a breaker. sessionEquity anchors the daily
// drawdown fraction; zero disables that check.
func NewCircuitBreaker(cfg BreakerConfig, sessionEquity decimal.Decimal) *CircuitBreaker {
	b := &CircuitBreaker{cfg: cfg, now: time.Now}
	b.st.status = Closed
	b.st.windowStart = b.now()
	b.st.sessionEquity = sessionEquity
	return b
}

// clock overrides the time source; tests only.
func (b *CircuitBreaker) clock(now func() time.Time) {
	b.now = now
	b.mu.Lock()
	b.st.windowStart = now()
	b.mu.Unlock()
}

// IsTripped is the hot-path check: a relaxed atomic read when closed. When
// the flag is set, the slow path also handles the cooldown transition to
// HalfOpen.
func (b *CircuitBreaker) IsTripped() bool {
	if !b.tripped.Load() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st.status == Open && b.cfg.Cooldown > 0 &&
		b.now().Sub(b.st.trippedAt) >= b.cfg.Cooldown {
		b.st.status = HalfOpen
		b.tripped.Store(false)
		log.Warn().Msg("circuit breaker entering half-open probe")
		return false
	}
	return b.st.status == Open
}

// State returns the current posture.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.status
}

// LastIncident returns the most recent trip report.
func (b *CircuitBreaker) LastIncident() Incident {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.lastTrip
}

// RecordPnL observes one realized P&L delta post-settlement.
func (b *CircuitBreaker) RecordPnL(delta decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.st.windowStart) > time.Minute {
		b.st.windowStart = now
		b.st.windowLoss = decimal.Zero
	}

	if delta.Sign() < 0 {
		loss := delta.Abs()
		b.st.windowLoss = b.st.windowLoss.Add(loss)
		b.st.sessionLoss = b.st.sessionLoss.Add(loss)

		if b.st.status == HalfOpen {
			b.trip("HALF_OPEN_LOSS", "loss during half-open probe")
			return
		}
		if num.IsPositive(b.cfg.MaxDrawdownPerMinute) &&
			b.st.windowLoss.GreaterThan(b.cfg.MaxDrawdownPerMinute) {
			b.trip("RAPID_DRAWDOWN",
				"lost "+b.st.windowLoss.String()+" in <60s (limit "+b.cfg.MaxDrawdownPerMinute.String()+")")
			return
		}
		if num.IsPositive(b.cfg.MaxDailyDrawdown) && num.IsPositive(b.st.sessionEquity) {
			limit := b.st.sessionEquity.Mul(b.cfg.MaxDailyDrawdown)
			if b.st.sessionLoss.GreaterThan(limit) {
				b.trip("DAILY_DRAWDOWN",
					"session loss "+b.st.sessionLoss.String()+" exceeds "+limit.String())
			}
		}
		return
	}

	// A non-losing observation resets the error streak and closes a
	// half-open probe.
	b.st.consecutiveErrors = 0
	if b.st.status == HalfOpen {
		b.st.status = Closed
		log.Info().Msg("circuit breaker closed after successful probe")
	}
}

// RecordError observes an execution failure or downstream rejection.
func (b *CircuitBreaker) RecordError(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.st.consecutiveErrors++
	if b.st.status == HalfOpen {
		b.trip("HALF_OPEN_ERROR", reason)
		return
	}
	if b.cfg.MaxConsecutiveErrors > 0 && b.st.consecutiveErrors >= b.cfg.MaxConsecutiveErrors {
		b.trip("ERROR_STORM", reason)
	}
}

// Trip forces the breaker open; used when a fatal condition outside the P&L
// and error streams demands a halt.
func (b *CircuitBreaker) Trip(reason, details string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip(reason, details)
}

// Reset is a manual operator action: clears counters and closes the circuit.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.st.status = Closed
	b.st.windowLoss = decimal.Zero
	b.st.sessionLoss = decimal.Zero
	b.st.consecutiveErrors = 0
	b.st.windowStart = b.now()
	b.tripped.Store(false)
	log.Info().Msg("circuit breaker manually reset")
}

// trip requires b.mu held. The atomic store uses release ordering (the Go
// memory model's default for atomics), so the next relaxed read on the hot
// path observes it.
func (b *CircuitBreaker) trip(reason, details string) {
	b.st.status = Open
	b.st.trippedAt = b.now()
	b.st.lastTrip = Incident{Reason: reason, Details: details, At: b.st.trippedAt}
	b.tripped.Store(true)

	log.Error().
		Str("reason", reason).
		Str("details", details).
		Msg("circuit breaker tripped")
}
