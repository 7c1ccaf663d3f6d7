package domain

import "time"

// RequestStatus is the lifecycle state of a tracked request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// TrackedRequest is the tracker's snapshot of one generation job.
// Values handed out by the tracker are copies; mutating them has no effect on the tracker.
type TrackedRequest struct {
	RequestID  string        `json:"request_id"`
	TenantID   string        `json:"tenant_id"`
	StartTime  time.Time     `json:"start_time"`
	Phase      string        `json:"phase"`
	Progress   float64       `json:"progress"`
	LastUpdate time.Time     `json:"last_update"`
	Component  string        `json:"component"`
	Status     RequestStatus `json:"status"`

	// LastEventAt is the backend timestamp of the last applied event.
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	// FinishedAt is set when the request reaches a terminal status.
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// GenerationParams are the typed submission parameters.
// They are decoded from the caller's free-form parameter map.
type GenerationParams struct {
	TenantID    string         `json:"tenant_id" mapstructure:"tenant_id" validate:"required,subject_token"`
	Title       string         `json:"title" mapstructure:"title" validate:"required"`
	Description string         `json:"description,omitempty" mapstructure:"description"`
	Theme       string         `json:"theme,omitempty" mapstructure:"theme"`
	AgeGroup    string         `json:"age_group,omitempty" mapstructure:"age_group"`
	Language    string         `json:"language,omitempty" mapstructure:"language" validate:"omitempty,bcp47_language_tag"`
	Tags        []string       `json:"tags,omitempty" mapstructure:"tags" validate:"dive,required"`
	Prompt      string         `json:"prompt,omitempty" mapstructure:"prompt"`
	NodeCount   int            `json:"node_count,omitempty" mapstructure:"node_count" validate:"gte=0,lte=500"`
	Extra       map[string]any `json:"extra,omitempty" mapstructure:",remain"`
}

// SubmitAck is the payload a backend replies with when it accepts a submission.
type SubmitAck struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	Message   string `json:"message,omitempty"`
}

// ReplayRequest asks the backend to regenerate a previous job under a new request id.
type ReplayRequest struct {
	OriginalRequestID string `json:"original_request_id"`
	TenantID          string `json:"tenant_id,omitempty"`
}

// ConnectionStatus summarises the client's transport and subscription state.
type ConnectionStatus struct {
	Connected  bool   `json:"connected"`
	Subscribed bool   `json:"subscribed"`
	TenantID   string `json:"tenant_id,omitempty"`
}
