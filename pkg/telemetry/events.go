package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/engine"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event engine.Event) bool

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// EventPublisher delivers events to subscribers from a single goroutine,
// in publish order. Publish never blocks: when the buffer is full the
// event is dropped and counted.
type EventPublisher struct {
	buffer      chan engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	closed      bool
	dropped     atomic.Int64
	done        chan struct{}
}

// NewEventPublisher starts a publisher with the given buffer size.
func NewEventPublisher(bufferSize int) *EventPublisher {
	if bufferSize <= 0 {
		bufferSize = DefaultConfig().Events.BufferSize
	}
	ep := &EventPublisher{
		buffer: make(chan engine.Event, bufferSize),
		done:   make(chan struct{}),
	}
	go ep.processEvents()
	return ep
}

// Publish queues event for delivery. It implements engine.EventPublisher.
func (ep *EventPublisher) Publish(_ context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}
	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Level == "" {
		ev.Level = ev.Type.Severity()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return fmt.Errorf("event publisher stopped")
	}

	select {
	case ep.buffer <- ev:
		return nil
	default:
		ep.dropped.Add(1)
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// Dropped returns the number of events dropped on a full buffer.
func (ep *EventPublisher) Dropped() int64 {
	return ep.dropped.Load()
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer close(ep.done)
	for event := range ep.buffer {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	subscribers := ep.subscribers
	ep.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits until the buffered ones are
// delivered or ctx expires.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// LogSubscriber writes every event to logger at a level matching the
// event's.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	logger = logger.With().Str("component", "events").Logger()
	return func(ev engine.Event) {
		var e *zerolog.Event
		switch ev.Level {
		case EventLevelError:
			e = logger.Error()
		case EventLevelWarning:
			e = logger.Warn()
		default:
			e = logger.Debug()
		}
		e = e.Str("type", string(ev.Type))
		if ev.RunID != "" {
			e = e.Str("run_id", ev.RunID)
		}
		if ev.DeploymentID != "" {
			e = e.Str("deployment_id", ev.DeploymentID)
		}
		if ev.ProjectID != "" {
			e = e.Str("project", ev.ProjectID)
		}
		if ev.Operation != "" {
			e = e.Str("operation", ev.Operation)
		}
		e.Msg(ev.Message)
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}
