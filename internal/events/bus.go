package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCycleStarted    EventType = "CYCLE_STARTED"
	EventCycleCompleted  EventType = "CYCLE_COMPLETED"
	EventCycleSkipped    EventType = "CYCLE_SKIPPED"
	EventCycleFailed     EventType = "CYCLE_FAILED"
	EventSchedulerPaused EventType = "SCHEDULER_PAUSED"
	EventSchedulerError  EventType = "SCHEDULER_ERROR"
	EventSignalRejected  EventType = "SIGNAL_REJECTED"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventBreakerTripped  EventType = "BREAKER_TRIPPED"
	EventBreakerReset    EventType = "BREAKER_RESET"
	EventEmergencyClose  EventType = "EMERGENCY_CLOSE"
	EventOrderFilled     EventType = "ORDER_FILLED"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishCycleCompleted publishes a cycle completed event
func (eb *EventBus) PublishCycleCompleted(sequence int64, outcome string, elapsed time.Duration) {
	eb.Publish(Event{
		Type: EventCycleCompleted,
		Data: map[string]interface{}{
			"sequence": sequence,
			"outcome":  outcome,
			"elapsed":  elapsed.String(),
		},
	})
}

// PublishCycleSkipped publishes a behind-schedule skipped tick event
func (eb *EventBus) PublishCycleSkipped(sequence int64) {
	eb.Publish(Event{
		Type: EventCycleSkipped,
		Data: map[string]interface{}{
			"in_flight_sequence": sequence,
		},
	})
}

// PublishSignalRejected publishes a risk rejection event
func (eb *EventBus) PublishSignalRejected(symbol, action, reason string) {
	eb.Publish(Event{
		Type: EventSignalRejected,
		Data: map[string]interface{}{
			"symbol": symbol,
			"action": action,
			"reason": reason,
		},
	})
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(symbol, side string, entryPrice, quantity float64, leverage int) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"leverage":    leverage,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(symbol, reason string, entryPrice, exitPrice, pnl float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"pnl":         pnl,
		},
	})
}

// PublishBreakerTripped publishes a circuit breaker trip event
func (eb *EventBus) PublishBreakerTripped(dailyPnL, threshold float64) {
	eb.Publish(Event{
		Type: EventBreakerTripped,
		Data: map[string]interface{}{
			"daily_pnl": dailyPnL,
			"threshold": threshold,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
