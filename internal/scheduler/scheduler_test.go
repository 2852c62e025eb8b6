package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"leverage-cycle-bot/internal/events"
	"leverage-cycle-bot/internal/notification"
)

type stubRunner struct {
	mu       sync.Mutex
	delay    time.Duration
	err      error
	calls    int
	inFlight int32
	overlap  atomic.Bool
}

func (r *stubRunner) RunCycle(ctx context.Context, sequence int64) error {
	if atomic.AddInt32(&r.inFlight, 1) > 1 {
		r.overlap.Store(true)
	}
	defer atomic.AddInt32(&r.inFlight, -1)

	r.mu.Lock()
	r.calls++
	delay := r.delay
	err := r.err
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestScheduler(runner CycleRunner, cfg *Config) *Scheduler {
	bus := events.NewEventBus()
	notifier := notification.NewManager(zerolog.Nop())
	return New(cfg, runner, bus, notifier, nil, zerolog.Nop())
}

// ============================================================================
// TEST: State machine transitions
// ============================================================================

func TestInvalidTransitions(t *testing.T) {
	s := newTestScheduler(&stubRunner{}, &Config{Interval: time.Hour, MaxConsecutiveErrors: 3, ShutdownTimeout: time.Second})

	if err := s.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState pausing IDLE, got %v", err)
	}
	if err := s.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState resuming IDLE, got %v", err)
	}
	if err := s.Stop(true); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState stopping IDLE, got %v", err)
	}
	if err := s.ResetError(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState resetting IDLE, got %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(false)

	if err := s.Start(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState starting twice, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	runner := &stubRunner{}
	s := newTestScheduler(runner, &Config{Interval: 30 * time.Millisecond, MaxConsecutiveErrors: 3, ShutdownTimeout: time.Second})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(false)

	time.Sleep(100 * time.Millisecond)
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let any in-flight cycle drain
	paused := runner.callCount()

	time.Sleep(120 * time.Millisecond)
	if runner.callCount() != paused {
		t.Errorf("Expected no cycles while paused, got %d extra", runner.callCount()-paused)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if runner.callCount() <= paused {
		t.Error("Expected cycles to resume")
	}
}

// ============================================================================
// TEST: At-most-one-cycle-in-flight and skipped ticks
// ============================================================================

func TestNoConcurrentCycles_SkippedTicksRecorded(t *testing.T) {
	// Each cycle spans several intervals, so intermediate ticks must be
	// skipped rather than run concurrently.
	runner := &stubRunner{delay: 120 * time.Millisecond}
	s := newTestScheduler(runner, &Config{Interval: 40 * time.Millisecond, MaxConsecutiveErrors: 3, ShutdownTimeout: time.Second})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(400 * time.Millisecond)
	s.Stop(true)

	if runner.overlap.Load() {
		t.Fatal("Two cycles ran concurrently")
	}

	skipped := 0
	for _, rec := range s.History() {
		if rec.Outcome == OutcomeSkipped {
			skipped++
			if !rec.StartedAt.IsZero() {
				t.Error("Skipped tick must not have a start time")
			}
		}
	}
	if skipped == 0 {
		t.Error("Expected at least one skipped tick in history")
	}
}

// ============================================================================
// TEST: Consecutive failures enter ERROR, reset returns to IDLE
// ============================================================================

func TestConsecutiveFailuresEnterError(t *testing.T) {
	runner := &stubRunner{err: errors.New("boom")}
	s := newTestScheduler(runner, &Config{Interval: 20 * time.Millisecond, MaxConsecutiveErrors: 3, ShutdownTimeout: time.Second})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateError && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != StateError {
		t.Fatalf("Expected ERROR state, got %s", s.State())
	}
	if runner.callCount() != 3 {
		t.Errorf("Expected exactly 3 cycle attempts, got %d", runner.callCount())
	}
	if s.ConsecutiveErrors() != 3 {
		t.Errorf("Expected error counter 3, got %d", s.ConsecutiveErrors())
	}

	if err := s.ResetError(); err != nil {
		t.Fatalf("ResetError failed: %v", err)
	}
	if s.State() != StateIdle || s.ConsecutiveErrors() != 0 {
		t.Errorf("Expected IDLE with zero errors, got %s/%d", s.State(), s.ConsecutiveErrors())
	}
}

func TestErrorCounterResetsOnSuccess(t *testing.T) {
	runner := &stubRunner{err: errors.New("boom")}
	s := newTestScheduler(runner, &Config{Interval: 20 * time.Millisecond, MaxConsecutiveErrors: 5, ShutdownTimeout: time.Second})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(false)

	deadline := time.Now().Add(time.Second)
	for s.ConsecutiveErrors() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Clear the failure; the next success must zero the counter.
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()

	deadline = time.Now().Add(time.Second)
	for s.ConsecutiveErrors() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.ConsecutiveErrors() != 0 {
		t.Errorf("Expected error counter reset on success, got %d", s.ConsecutiveErrors())
	}
	if s.State() != StateRunning {
		t.Errorf("Expected RUNNING, got %s", s.State())
	}
}

// ============================================================================
// TEST: Graceful stop lets the in-flight cycle finish
// ============================================================================

func TestGracefulStopWaitsForInFlightCycle(t *testing.T) {
	runner := &stubRunner{delay: 80 * time.Millisecond}
	s := newTestScheduler(runner, &Config{Interval: 30 * time.Millisecond, MaxConsecutiveErrors: 3, ShutdownTimeout: time.Second})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // a cycle is in flight

	if err := s.Stop(true); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := atomic.LoadInt32(&runner.inFlight); got != 0 {
		t.Errorf("Expected no in-flight cycle after graceful stop, got %d", got)
	}
	for _, rec := range s.History() {
		if rec.Outcome == OutcomeFailed && rec.Error == context.Canceled.Error() {
			t.Error("Graceful stop should not cancel the in-flight cycle within the grace period")
		}
	}
}
