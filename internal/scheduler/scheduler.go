// Package scheduler drives the trading loop: a single logical timer fires one
// cycle per interval, never overlapping. Ticks that arrive while a cycle is
// still executing are recorded as skipped, and a cycle that overruns its
// interval is followed immediately rather than waiting a further full
// interval. Consecutive failures beyond the configured threshold move the
// scheduler to ERROR, which halts autonomous cycling until a manual reset.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"leverage-cycle-bot/internal/events"
	"leverage-cycle-bot/internal/notification"
)

// State represents the scheduler lifecycle state
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateStopped State = "STOPPED"
	StateError   State = "ERROR"
)

// Outcome records how one cycle ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeSkipped Outcome = "SKIPPED"
)

// ErrInvalidState is returned for operations not permitted in the current
// scheduler state. It is never fatal; the caller decides how to report it.
var ErrInvalidState = errors.New("invalid scheduler state")

// CycleRecord is the immutable audit entry for one tick. Skipped ticks get a
// record with no start or end time.
type CycleRecord struct {
	Sequence    int64     `json:"sequence"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
}

// Config holds scheduler configuration
type Config struct {
	Interval             time.Duration `json:"interval"`
	AlignToWallClock     bool          `json:"align_to_wall_clock"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
	ShutdownTimeout      time.Duration `json:"shutdown_timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:             60 * time.Second,
		AlignToWallClock:     true,
		MaxConsecutiveErrors: 3,
		ShutdownTimeout:      30 * time.Second,
	}
}

// CycleRunner executes one cycle body. The scheduler guarantees at most one
// invocation in flight at a time.
type CycleRunner interface {
	RunCycle(ctx context.Context, sequence int64) error
}

// Store is the persistence collaborator for cycle records. A nil Store
// disables persistence.
type Store interface {
	RecordCycle(ctx context.Context, rec CycleRecord) error
}

const historyLimit = 200

// Scheduler owns the cycle timer and its state machine.
type Scheduler struct {
	mu                sync.Mutex
	config            *Config
	runner            CycleRunner
	bus               *events.EventBus
	notifier          *notification.Manager
	store             Store
	logger            zerolog.Logger
	now               func() time.Time
	state             State
	sequence          int64
	consecutiveErrors int
	history           []CycleRecord
	stopChan          chan struct{}
	loopDone          chan struct{}
	cancelCycle       context.CancelFunc
}

// New creates a scheduler in IDLE state.
func New(config *Config, runner CycleRunner, bus *events.EventBus, notifier *notification.Manager, store Store, logger zerolog.Logger) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		config:   config,
		runner:   runner,
		bus:      bus,
		notifier: notifier,
		store:    store,
		logger:   logger,
		now:      time.Now,
		state:    StateIdle,
	}
}

// SetClock injects a deterministic clock for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Start begins scheduling. With wall-clock alignment the first wake is delayed
// to the next interval boundary since epoch; otherwise the first cycle runs
// immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle && s.state != StateStopped {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, s.state)
	}

	s.state = StateRunning
	s.stopChan = make(chan struct{})
	s.loopDone = make(chan struct{})

	go s.runLoop()

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Bool("aligned", s.config.AlignToWallClock).
		Msg("scheduler started")
	return nil
}

// Pause suspends the timer. The cycle counter and error counter are kept, and
// an in-flight cycle is allowed to finish.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidState, s.state)
	}
	s.state = StatePaused
	s.bus.Publish(events.Event{Type: events.EventSchedulerPaused, Data: map[string]interface{}{"sequence": s.sequence}})
	s.logger.Info().Msg("scheduler paused")
	return nil
}

// Resume restarts cycling after a pause.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidState, s.state)
	}
	s.state = StateRunning
	s.logger.Info().Msg("scheduler resumed")
	return nil
}

// Stop halts scheduling. A graceful stop waits for the in-flight cycle up to
// the shutdown timeout before forcing cancellation; a non-graceful stop
// cancels it immediately.
func (s *Scheduler) Stop(graceful bool) error {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, s.state)
	}
	alreadyDone := s.state == StateError
	s.state = StateStopped
	stopChan := s.stopChan
	loopDone := s.loopDone
	cancel := s.cancelCycle
	s.mu.Unlock()

	if stopChan != nil {
		select {
		case <-stopChan:
		default:
			close(stopChan)
		}
	}

	if alreadyDone || loopDone == nil {
		return nil
	}

	if !graceful {
		if cancel != nil {
			cancel()
		}
		<-loopDone
		return nil
	}

	select {
	case <-loopDone:
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn().Msg("shutdown timeout elapsed, cancelling in-flight cycle")
		s.mu.Lock()
		cancel = s.cancelCycle
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-loopDone
	}

	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// ResetError returns an ERROR scheduler to IDLE with a zero error counter so
// it can be started again.
func (s *Scheduler) ResetError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateError {
		return fmt.Errorf("%w: cannot reset from %s", ErrInvalidState, s.state)
	}
	s.state = StateIdle
	s.consecutiveErrors = 0
	s.logger.Info().Msg("scheduler error state reset")
	return nil
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConsecutiveErrors returns the current consecutive failure count.
func (s *Scheduler) ConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrors
}

// History returns a copy of the recent cycle records, oldest first.
func (s *Scheduler) History() []CycleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CycleRecord, len(s.history))
	copy(out, s.history)
	return out
}

// GetStats returns current scheduler statistics
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"state":              string(s.state),
		"cycles":             s.sequence,
		"consecutive_errors": s.consecutiveErrors,
		"interval":           s.config.Interval.String(),
	}
}

func (s *Scheduler) runLoop() {
	defer close(s.loopDone)

	next := s.firstWake()
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	immediate := false
	for {
		select {
		case <-s.stopChan:
			return
		case <-timer.C:
		}

		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state == StatePaused {
			next = next.Add(s.config.Interval)
			timer.Reset(time.Until(next))
			continue
		}
		if state != StateRunning {
			return
		}

		scheduledAt := next
		wasImmediate := immediate
		immediate = false
		started := s.now()
		if wasImmediate {
			// Behind-schedule rerun: not tied to a boundary.
			scheduledAt = started
		}

		s.executeCycle(scheduledAt, started)

		if s.State() == StateError {
			s.bus.Publish(events.Event{Type: events.EventSchedulerError, Data: map[string]interface{}{
				"consecutive_errors": s.ConsecutiveErrors(),
			}})
			s.notifier.NotifyErrorf("Scheduler HALTED", "%d consecutive cycle failures, autonomous cycling stopped", s.ConsecutiveErrors())
			return
		}

		now := s.now()
		if !wasImmediate {
			next = next.Add(s.config.Interval)
		}
		// Boundaries that elapsed while the cycle ran are skipped, never
		// executed concurrently.
		for !next.After(now) {
			s.recordSkipped(next)
			next = next.Add(s.config.Interval)
		}

		if now.Sub(started) > s.config.Interval {
			immediate = true
			timer.Reset(0)
		} else {
			timer.Reset(next.Sub(now))
		}
	}
}

// firstWake returns the first tick time: the next interval boundary since
// epoch when aligned, otherwise now.
func (s *Scheduler) firstWake() time.Time {
	now := s.now()
	if !s.config.AlignToWallClock {
		return now
	}
	return now.Truncate(s.config.Interval).Add(s.config.Interval)
}

func (s *Scheduler) executeCycle(scheduledAt, started time.Time) {
	s.mu.Lock()
	s.sequence++
	seq := s.sequence
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelCycle = cancel
	s.mu.Unlock()
	defer cancel()

	s.bus.Publish(events.Event{Type: events.EventCycleStarted, Data: map[string]interface{}{"sequence": seq}})
	s.logger.Info().Int64("sequence", seq).Msg("cycle started")

	err := s.runner.RunCycle(ctx, seq)
	ended := s.now()

	rec := CycleRecord{
		Sequence:    seq,
		ScheduledAt: scheduledAt,
		StartedAt:   started,
		EndedAt:     ended,
		Outcome:     OutcomeSuccess,
	}

	s.mu.Lock()
	if err != nil {
		rec.Outcome = OutcomeFailed
		rec.Error = err.Error()
		s.consecutiveErrors++
		if s.consecutiveErrors >= s.config.MaxConsecutiveErrors && s.state == StateRunning {
			s.state = StateError
		}
	} else {
		s.consecutiveErrors = 0
	}
	s.appendHistoryLocked(rec)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Int64("sequence", seq).Msg("cycle failed")
		s.bus.Publish(events.Event{Type: events.EventCycleFailed, Data: map[string]interface{}{
			"sequence": seq,
			"error":    err.Error(),
		}})
	} else {
		s.logger.Info().Int64("sequence", seq).Dur("elapsed", ended.Sub(started)).Msg("cycle completed")
	}
	s.bus.PublishCycleCompleted(seq, string(rec.Outcome), ended.Sub(started))
	s.persist(rec)
}

func (s *Scheduler) recordSkipped(scheduledAt time.Time) {
	s.mu.Lock()
	s.sequence++
	seq := s.sequence
	rec := CycleRecord{
		Sequence:    seq,
		ScheduledAt: scheduledAt,
		Outcome:     OutcomeSkipped,
	}
	s.appendHistoryLocked(rec)
	s.mu.Unlock()

	s.logger.Warn().Int64("sequence", seq).Time("scheduled_at", scheduledAt).Msg("tick skipped, behind schedule")
	s.bus.PublishCycleSkipped(seq)
	s.persist(rec)
}

func (s *Scheduler) appendHistoryLocked(rec CycleRecord) {
	s.history = append(s.history, rec)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

func (s *Scheduler) persist(rec CycleRecord) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordCycle(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Int64("sequence", rec.Sequence).Msg("failed to persist cycle record")
	}
}
