package events

import (
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTradingSignal  EventType = "trading-signal"
	EventPositionOpened EventType = "position-opened"
	EventPositionClosed EventType = "position-closed"
	EventPositionUpdate EventType = "position-update"
	EventStrategyStatus EventType = "strategy-status"
	EventAccountUpdate  EventType = "account-update"
	EventExecutorStatus EventType = "executor-status"
	EventCommandResult  EventType = "command-result"
	EventError          EventType = "error"
)

// allTopic receives every event in addition to its own topic.
const allTopic = "*"

// Event represents a system event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(event Event)
}

// EventBus manages event publishing and subscriptions. Subscribers run
// asynchronously; Wait blocks until in-flight deliveries finish.
type EventBus struct {
	bus evbus.Bus
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{bus: evbus.New()}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) error {
	return eb.bus.SubscribeAsync(string(eventType), func(e Event) { subscriber(e) }, false)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) error {
	return eb.bus.SubscribeAsync(allTopic, func(e Event) { subscriber(e) }, false)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Data == nil {
		event.Data = map[string]interface{}{}
	}
	eb.bus.Publish(string(event.Type), event)
	eb.bus.Publish(allTopic, event)
}

// Wait blocks until all asynchronous deliveries have completed.
func (eb *EventBus) Wait() {
	eb.bus.WaitAsync()
}

// PublishSignal publishes a trading signal
func (eb *EventBus) PublishSignal(strategyID, symbol, action string, details map[string]interface{}) {
	data := map[string]interface{}{
		"strategy_id": strategyID,
		"symbol":      symbol,
		"action":      action,
	}
	for k, v := range details {
		data[k] = v
	}
	eb.Publish(Event{Type: EventTradingSignal, Data: data})
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(strategyID string, ticket int64, symbol, side string, volume, price, sl, tp float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"strategy_id": strategyID,
			"ticket":      ticket,
			"symbol":      symbol,
			"side":        side,
			"volume":      volume,
			"open_price":  price,
			"sl":          sl,
			"tp":          tp,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (eb *EventBus) PublishPositionClosed(strategyID string, ticket int64, symbol string, closePrice, profit float64, reason string) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"strategy_id": strategyID,
			"ticket":      ticket,
			"symbol":      symbol,
			"close_price": closePrice,
			"profit":      profit,
			"reason":      reason,
		},
	})
}

// PublishPositionUpdate publishes a stop move or partial exit
func (eb *EventBus) PublishPositionUpdate(ticket int64, symbol, kind string, details map[string]interface{}) {
	data := map[string]interface{}{
		"ticket": ticket,
		"symbol": symbol,
		"kind":   kind,
	}
	for k, v := range details {
		data[k] = v
	}
	eb.Publish(Event{Type: EventPositionUpdate, Data: data})
}

// PublishStrategyStatus publishes a strategy start/stop
func (eb *EventBus) PublishStrategyStatus(strategyID, status, message string) {
	eb.Publish(Event{
		Type: EventStrategyStatus,
		Data: map[string]interface{}{
			"strategy_id": strategyID,
			"status":      status,
			"message":     message,
		},
	})
}

// PublishAccountUpdate publishes an account snapshot
func (eb *EventBus) PublishAccountUpdate(balance, equity, margin, freeMargin float64, openPositions int) {
	eb.Publish(Event{
		Type: EventAccountUpdate,
		Data: map[string]interface{}{
			"balance":        balance,
			"equity":         equity,
			"margin":         margin,
			"free_margin":    freeMargin,
			"open_positions": openPositions,
		},
	})
}

// PublishExecutorStatus publishes heartbeat and PING replies
func (eb *EventBus) PublishExecutorStatus(executorID, status string, activeStrategies, openPositions int) {
	eb.Publish(Event{
		Type: EventExecutorStatus,
		Data: map[string]interface{}{
			"executor_id":       executorID,
			"status":            status,
			"active_strategies": activeStrategies,
			"open_positions":    openPositions,
		},
	})
}

// PublishCommandResult publishes the outcome of a command
func (eb *EventBus) PublishCommandResult(commandID, command string, success bool, errMsg string) {
	data := map[string]interface{}{
		"command_id": commandID,
		"command":    command,
		"success":    success,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	eb.Publish(Event{Type: EventCommandResult, Data: data})
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
