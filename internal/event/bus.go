// internal/event/bus.go
package event

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types
const (
	TypeMeasurement        = "measurement"
	TypeDeviceAcquired     = "device.acquired"
	TypeDeviceReleased     = "device.released"
	TypeDeviceConnected    = "device.connected"
	TypeDeviceDisconnected = "device.disconnected"
	TypeDeviceConfigured   = "device.configured"
	TypeContinuousStarted  = "continuous.started"
	TypeContinuousStopped  = "continuous.stopped"

	// All subscribes to every event type.
	All = "*"
)

// Event represents a system event
type Event struct {
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Measurement *Measurement           `json:"measurement,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Measurement is the payload of a measurement event.
type Measurement struct {
	SessionID    string    `json:"session_id"`
	Name         string    `json:"name,omitempty"`
	Mode         string    `json:"mode"`
	Distance     float64   `json:"distance"`
	Status       int       `json:"status"`
	Category     string    `json:"category"`
	Error        string    `json:"error,omitempty"`
	HardwareCode *int      `json:"hardware_code,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// OK reports whether the measurement succeeded.
func (m *Measurement) OK() bool {
	return m.Status == 0
}

// EventBus fans events out to subscribers. Publishing never blocks: when the
// bus or a subscriber buffer is full the event is dropped.
type EventBus struct {
	subscribers map[string][]chan Event
	events      chan Event
	mutex       sync.RWMutex
	logger      *zap.Logger
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		subscribers: make(map[string][]chan Event),
		events:      make(chan Event, 1000),
		logger:      logger.With(zap.String("component", "event-bus")),
		stop:        make(chan struct{}),
	}
}

// Start distributes events until Stop is called.
func (eb *EventBus) Start() {
	for {
		select {
		case event := <-eb.events:
			eb.distributeEvent(event)
		case <-eb.stop:
			return
		}
	}
}

// Stop ends Start and closes every subscriber channel.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		close(eb.stop)

		eb.mutex.Lock()
		defer eb.mutex.Unlock()
		for eventType, subs := range eb.subscribers {
			for _, ch := range subs {
				close(ch)
			}
			delete(eb.subscribers, eventType)
		}
	})
}

// Publish publishes an event
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", event.Type),
			zap.String("source", event.Source),
		)
	}
}

// Subscribe subscribes to events of a specific type, or All.
func (eb *EventBus) Subscribe(eventType string) <-chan Event {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan Event, 100)
	select {
	case <-eb.stop:
		close(subscriber)
		return subscriber
	default:
	}
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	return subscriber
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	for eventType, subs := range eb.subscribers {
		for i, sub := range subs {
			if sub == ch {
				close(sub)
				eb.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event Event) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, key := range []string{event.Type, All} {
		for _, subscriber := range eb.subscribers[key] {
			select {
			case subscriber <- event:
			default:
				eb.logger.Debug("Subscriber slow, event skipped", zap.String("event_type", event.Type))
			}
		}
	}
}
