// Package events provides an in-process pub/sub bus for job and file
// lifecycle notifications. Publishing is non-blocking: slow subscribers
// drop events rather than stall the pipeline.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the types of events that can be emitted.
type EventType string

const (
	EventJobStateChange EventType = "job_state_change"
	EventJobProgress    EventType = "job_progress"
	EventJobCompleted   EventType = "job_completed"
	EventError          EventType = "error"

	EventFileUploadStarted   EventType = "file_upload_started"
	EventFileUploadCompleted EventType = "file_upload_completed"
	EventFileUploadFailed    EventType = "file_upload_failed"

	EventQuotaExceeded EventType = "quota_exceeded"
)

const (
	defaultBuffer = 256
	maxBuffer     = 4096
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// JobStateChangeEvent represents a job status transition.
type JobStateChangeEvent struct {
	BaseEvent
	JobID     string
	OldStatus string
	NewStatus string
	Stage     string
	Error     string
}

// JobProgressEvent reports batch progress for a job.
type JobProgressEvent struct {
	BaseEvent
	JobID     string
	Stage     string
	Completed int
	Failed    int
	Total     int
}

// JobCompletedEvent fires when a job reaches a terminal outcome.
type JobCompletedEvent struct {
	BaseEvent
	JobID    string
	Status   string
	Duration time.Duration
}

// FileUploadEvent represents a per-file upload transition.
type FileUploadEvent struct {
	BaseEvent
	JobID    string
	Filename string
	FileID   string
	Error    string
}

// ErrorEvent represents an error condition observed in any stage.
type ErrorEvent struct {
	BaseEvent
	JobID     string
	Stage     string
	Err       error
	Retryable bool
}

// QuotaExceededEvent fires when the Governor enters quota backoff.
type QuotaExceededEvent struct {
	BaseEvent
	JobID     string
	Reason    string
	ResetTime time.Time
}

// EventBus manages event subscriptions and publishing.
type EventBus struct {
	subscribers map[EventType][]chan Event
	all         []chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
}

// NewEventBus creates a new event bus with the specified channel buffer size.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	if bufferSize > maxBuffer {
		bufferSize = maxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type.
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events.
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Publish sends an event to all subscribers without blocking.
// Events to full channels are dropped and counted.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events dropped due to full buffers.
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// Unsubscribe removes a subscription channel from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}
}

// Close shuts down the event bus and closes all subscriber channels.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range eb.all {
		close(ch)
	}
}

// PublishStateChange is a convenience method for job status transitions.
func (eb *EventBus) PublishStateChange(jobID, oldStatus, newStatus, stage, errMsg string) {
	eb.Publish(&JobStateChangeEvent{
		BaseEvent: BaseEvent{EventType: EventJobStateChange, Time: time.Now()},
		JobID:     jobID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Stage:     stage,
		Error:     errMsg,
	})
}

// PublishProgress is a convenience method for batch progress updates.
func (eb *EventBus) PublishProgress(jobID, stage string, completed, failed, total int) {
	eb.Publish(&JobProgressEvent{
		BaseEvent: BaseEvent{EventType: EventJobProgress, Time: time.Now()},
		JobID:     jobID,
		Stage:     stage,
		Completed: completed,
		Failed:    failed,
		Total:     total,
	})
}
