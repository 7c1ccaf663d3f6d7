package domain

import "time"

// EventType defines the category of a generation event.
type EventType string

const (
	EventGenerationStarted   EventType = "generation_started"
	EventGenerationProgress  EventType = "generation_progress"
	EventGenerationCompleted EventType = "generation_completed"
	EventGenerationFailed    EventType = "generation_failed"
)

// GenerationEvent is an immutable progress fact published by a generation backend.
// The transport may deliver it more than once and out of order.
type GenerationEvent struct {
	Type      EventType     `json:"event_type"`
	TenantID  string        `json:"tenant_id"`
	RequestID string        `json:"request_id"`
	Timestamp time.Time     `json:"timestamp"`
	Phase     string        `json:"phase,omitempty"`
	Status    RequestStatus `json:"status"`
	Progress  float64       `json:"progress"`
	Component string        `json:"component,omitempty"`
	Error     string        `json:"error,omitempty"`
}
