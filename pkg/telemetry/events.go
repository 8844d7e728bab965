package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an in-process notification about job engine activity.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the component that published the event.
	Source string `json:"source"`

	JobID     string `json:"job_id,omitempty"`
	JoinJobID string `json:"join_job_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types published by the job engine.
const (
	EventTypeJobCreated       = "job.created"
	EventTypeJobCompleted     = "job.completed"
	EventTypeJoinCreated      = "join.created"
	EventTypeJoinResolved     = "join.resolved"
	EventTypeWakeupDispatched = "wakeup.dispatched"
	EventTypeWakeupFailed     = "wakeup.failed"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to in-process subscribers. A disabled or
// nil publisher drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish delivers an event to all matching subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishJobCreated publishes a job created event.
func (ep *EventPublisher) PublishJobCreated(jobID, nodeID string) error {
	return ep.Publish(Event{
		Type:    EventTypeJobCreated,
		Source:  "jobs",
		JobID:   jobID,
		NodeID:  nodeID,
		Message: fmt.Sprintf("Job %s created on %s", jobID, nodeID),
		Level:   EventLevelInfo,
	})
}

// PublishJobCompleted publishes a job completed event.
func (ep *EventPublisher) PublishJobCompleted(jobID, status, nodeID string) error {
	level := EventLevelInfo
	if status != "succeeded" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeJobCompleted,
		Source:  "jobs",
		JobID:   jobID,
		NodeID:  nodeID,
		Message: fmt.Sprintf("Job %s completed with status: %s", jobID, status),
		Level:   level,
		Data: map[string]interface{}{
			"status": status,
		},
	})
}

// PublishJoinCreated publishes a join created event.
func (ep *EventPublisher) PublishJoinCreated(jobID, joinJobID string, resolved bool) error {
	return ep.Publish(Event{
		Type:      EventTypeJoinCreated,
		Source:    "joins",
		JobID:     jobID,
		JoinJobID: joinJobID,
		Message:   fmt.Sprintf("Job %s joined job %s", jobID, joinJobID),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"resolved": resolved,
		},
	})
}

// PublishJoinResolved publishes that joins waiting for joinJobID resolved.
func (ep *EventPublisher) PublishJoinResolved(joinJobID, status, nodeID string, count int64) error {
	return ep.Publish(Event{
		Type:      EventTypeJoinResolved,
		Source:    "joins",
		JoinJobID: joinJobID,
		NodeID:    nodeID,
		Message:   fmt.Sprintf("%d joins on job %s resolved with status: %s", count, joinJobID, status),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"status": status,
			"count":  count,
		},
	})
}

// PublishWakeup publishes the result of one wakeup handler invocation.
func (ep *EventPublisher) PublishWakeup(jobID, joinJobID, outcome, nodeID string, err error) error {
	event := Event{
		Type:      EventTypeWakeupDispatched,
		Source:    "scheduler",
		JobID:     jobID,
		JoinJobID: joinJobID,
		NodeID:    nodeID,
		Message:   fmt.Sprintf("Woke job %s (%s on %s)", jobID, outcome, joinJobID),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"outcome": outcome,
		},
	}
	if err != nil {
		event.Type = EventTypeWakeupFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Wakeup of job %s failed: %v", jobID, err)
		event.Data["error"] = err.Error()
	}
	return ep.Publish(event)
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil || !ep.config.Enabled {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Deliver when the batch is full or nothing else is queued.
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByJobID creates a filter that only allows events about one job,
// either as the waiting or the joined job.
func FilterByJobID(jobID string) EventFilter {
	return func(event Event) bool {
		return event.JobID == jobID || event.JoinJobID == jobID
	}
}
