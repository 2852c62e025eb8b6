package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateActive       BreakerState = "ACTIVE"        // Normal operation
	StateTripped      BreakerState = "TRIPPED"       // New entries halted
	StateResetPending BreakerState = "RESET_PENDING" // Manual reset requested, confirmed at next cycle start
)

// Transition describes a state change produced by an evaluation.
type Transition string

const (
	TransitionNone        Transition = ""
	TransitionTripped     Transition = "TRIPPED"
	TransitionReactivated Transition = "REACTIVATED"
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled           bool    `json:"enabled"`
	DailyLossFraction float64 `json:"daily_loss_fraction"` // trip when daily P&L <= -fraction * start-of-day equity
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		DailyLossFraction: 0.07,
	}
}

// CircuitBreaker halts new risk-taking once the day's aggregate loss crosses
// the configured fraction of start-of-day equity. Tripping is automatic;
// recovery requires an explicit manual reset, which takes effect at the start
// of the next cycle.
type CircuitBreaker struct {
	config           *Config
	state            BreakerState
	startOfDayEquity float64
	dailyPnL         float64
	dayStart         time.Time
	trippedAt        time.Time
	tripReason       string
	mu               sync.RWMutex
	onTrip           func(reason string)
	onReset          func()
}

// NewCircuitBreaker creates a circuit breaker anchored at the given equity.
func NewCircuitBreaker(config *Config, startOfDayEquity float64) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &CircuitBreaker{
		config:           config,
		state:            StateActive,
		startOfDayEquity: startOfDayEquity,
		dayStart:         time.Now().Truncate(24 * time.Hour),
	}
}

// OnTrip sets callback for when the breaker trips
func (cb *CircuitBreaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when the breaker returns to ACTIVE
func (cb *CircuitBreaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// Evaluate recomputes daily P&L from the current equity at cycle start and
// advances the state machine: a confirmed reset becomes ACTIVE, and an ACTIVE
// breaker trips once the daily loss threshold is breached. Returns the
// transition taken, if any.
func (cb *CircuitBreaker) Evaluate(equity float64, now time.Time) Transition {
	if !cb.config.Enabled {
		return TransitionNone
	}
	if math.IsNaN(equity) || math.IsInf(equity, 0) {
		return TransitionNone
	}

	cb.mu.Lock()

	// New day: re-anchor start-of-day equity.
	day := now.Truncate(24 * time.Hour)
	if day.After(cb.dayStart) {
		cb.dayStart = day
		cb.startOfDayEquity = equity
	}

	cb.dailyPnL = equity - cb.startOfDayEquity

	// A manual reset is confirmed at the start of the next cycle.
	if cb.state == StateResetPending {
		cb.state = StateActive
		cb.tripReason = ""
		onReset := cb.onReset
		cb.mu.Unlock()

		if onReset != nil {
			go onReset()
		}
		return TransitionReactivated
	}

	if cb.state == StateActive && cb.startOfDayEquity > 0 {
		threshold := -cb.config.DailyLossFraction * cb.startOfDayEquity
		if cb.dailyPnL <= threshold {
			cb.state = StateTripped
			cb.trippedAt = now
			cb.tripReason = fmt.Sprintf("daily P&L %.2f breached %.2f (%.1f%% of start-of-day equity %.2f)",
				cb.dailyPnL, threshold, cb.config.DailyLossFraction*100, cb.startOfDayEquity)
			onTrip := cb.onTrip
			reason := cb.tripReason
			cb.mu.Unlock()

			if onTrip != nil {
				go onTrip(reason)
			}
			return TransitionTripped
		}
	}

	cb.mu.Unlock()
	return TransitionNone
}

// RequestReset moves a TRIPPED breaker to RESET_PENDING. The transition back
// to ACTIVE happens at the start of the next cycle, never mid-cycle.
func (cb *CircuitBreaker) RequestReset() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateTripped {
		return fmt.Errorf("cannot reset breaker in state %s", cb.state)
	}

	cb.state = StateResetPending
	return nil
}

// AllowsEntries reports whether new entry signals may be accepted.
func (cb *CircuitBreaker) AllowsEntries() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return !cb.config.Enabled || cb.state == StateActive
}

// State returns current breaker state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// DailyPnL returns the last computed daily P&L.
func (cb *CircuitBreaker) DailyPnL() float64 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.dailyPnL
}

// StartOfDayEquity returns the equity anchor for today's P&L.
func (cb *CircuitBreaker) StartOfDayEquity() float64 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.startOfDayEquity
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"state":               string(cb.state),
		"daily_pnl":           cb.dailyPnL,
		"start_of_day_equity": cb.startOfDayEquity,
		"daily_loss_fraction": cb.config.DailyLossFraction,
		"trip_reason":         cb.tripReason,
		"tripped_at":          cb.trippedAt,
	}
}
