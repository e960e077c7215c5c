package interfaces

import (
	"context"
	"time"
)

// EventType identifies a job lifecycle event
type EventType string

const (
	EventJobCreated    EventType = "job_created"
	EventJobStatus     EventType = "job_status_changed"
	EventBatchProgress EventType = "batch_progress"
	EventBatchComplete EventType = "batch_completed"
)

// Event is a published lifecycle notification
type Event struct {
	Type      EventType              `json:"type"`
	JobID     string                 `json:"job_id,omitempty"`
	BatchID   string                 `json:"batch_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler processes a published event
type EventHandler func(ctx context.Context, event Event) error

// EventService is the in-process pub/sub bus for lifecycle events
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
	PublishSync(ctx context.Context, event Event) error
	Close() error
}
