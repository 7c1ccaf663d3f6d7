package domain

import (
	"sort"
	"time"
)

// TrailStatus describes the quality of a stored trail.
type TrailStatus string

const (
	TrailStatusComplete TrailStatus = "complete"
	TrailStatusPartial  TrailStatus = "partial"
	TrailStatusDegraded TrailStatus = "degraded"
)

// TraceEntry records one phase of the generation run that produced a trail.
type TraceEntry struct {
	Phase     string    `json:"phase"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
}

// GenerationMetadata describes the job that produced a trail.
type GenerationMetadata struct {
	RequestID   string    `json:"request_id"`
	TenantID    string    `json:"tenant_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Theme       string    `json:"theme,omitempty"`
	AgeGroup    string    `json:"age_group,omitempty"`
	Language    string    `json:"language,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	Model       string    `json:"model,omitempty"`
}

// TrailResult is what a backend publishes, or replies with, when a job finishes.
// The step sequence is authoritative; the trail is derived from it.
type TrailResult struct {
	RequestID      string             `json:"request_id"`
	TenantID       string             `json:"tenant_id"`
	StartNodeID    string             `json:"start_node_id"`
	Steps          []Step             `json:"steps"`
	ExecutionTrace []TraceEntry       `json:"execution_trace,omitempty"`
	Metadata       GenerationMetadata `json:"metadata"`
}

// TrailArtifact is the persisted and exchanged trail record.
type TrailArtifact struct {
	ID                 string             `json:"id"`
	Trail              Trail              `json:"trail"`
	TrailSteps         []Step             `json:"trail_steps"`
	ExecutionTrace     []TraceEntry       `json:"execution_trace"`
	GenerationMetadata GenerationMetadata `json:"generation_metadata"`
	Status             TrailStatus        `json:"status"`
	Issues             []string           `json:"issues,omitempty"`
}

// TrailListItem is a read projection of a stored artifact. It is never authoritative.
type TrailListItem struct {
	ID          string      `json:"id"`
	FilePath    string      `json:"file_path,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Theme       string      `json:"theme,omitempty"`
	AgeGroup    string      `json:"age_group,omitempty"`
	Language    string      `json:"language,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Status      TrailStatus `json:"status"`
	GeneratedAt time.Time   `json:"generated_at"`
	NodeCount   int         `json:"node_count"`
	TenantID    string      `json:"tenant_id"`
}

// Summary projects an artifact into its list item. FilePath is left to the store.
func (a *TrailArtifact) Summary() TrailListItem {
	m := a.GenerationMetadata
	return TrailListItem{
		ID:          a.ID,
		Title:       m.Title,
		Description: m.Description,
		Theme:       m.Theme,
		AgeGroup:    m.AgeGroup,
		Language:    m.Language,
		Tags:        m.Tags,
		Status:      a.Status,
		GeneratedAt: m.GeneratedAt,
		NodeCount:   len(a.Trail.Nodes),
		TenantID:    m.TenantID,
	}
}

// SortTrailItems orders summaries newest first, breaking ties by id.
func SortTrailItems(items []TrailListItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].GeneratedAt.Equal(items[j].GeneratedAt) {
			return items[i].GeneratedAt.After(items[j].GeneratedAt)
		}
		return items[i].ID < items[j].ID
	})
}
