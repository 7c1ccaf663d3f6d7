package loam

import (
	"strconv"
	"time"

	"github.com/aretw0/trailhead/pkg/domain"
)

// TrailMetadata is the frontmatter of a stored trail document.
// It carries the list projection; steps and trace live in the document body.
// Scalars are kept as strings since frontmatter values come back untyped.
type TrailMetadata struct {
	ID          string   `json:"id" mapstructure:"id" validate:"required"`
	Title       string   `json:"title" mapstructure:"title"`
	Description string   `json:"description,omitempty" mapstructure:"description"`
	Theme       string   `json:"theme,omitempty" mapstructure:"theme"`
	AgeGroup    string   `json:"age_group,omitempty" mapstructure:"age_group"`
	Language    string   `json:"language,omitempty" mapstructure:"language"`
	Tags        []string `json:"tags,omitempty" mapstructure:"tags"`
	Status      string   `json:"status" mapstructure:"status" validate:"oneof=complete partial degraded"`
	GeneratedAt string   `json:"generated_at" mapstructure:"generated_at" validate:"required"`
	NodeCount   string   `json:"node_count" mapstructure:"node_count" validate:"omitempty,number"`
	TenantID    string   `json:"tenant_id" mapstructure:"tenant_id"`
	RequestID   string   `json:"request_id,omitempty" mapstructure:"request_id"`
	Model       string   `json:"model,omitempty" mapstructure:"model"`
	StartNodeID string   `json:"start_node_id" mapstructure:"start_node_id"`
	Issues      []string `json:"issues,omitempty" mapstructure:"issues"`
}

// body is the JSON block embedded in the document.
type body struct {
	Steps          []domain.Step       `json:"trail_steps"`
	ExecutionTrace []domain.TraceEntry `json:"execution_trace"`
}

func metadataOf(a *domain.TrailArtifact) TrailMetadata {
	m := a.GenerationMetadata
	return TrailMetadata{
		ID:          a.ID,
		Title:       m.Title,
		Description: m.Description,
		Theme:       m.Theme,
		AgeGroup:    m.AgeGroup,
		Language:    m.Language,
		Tags:        m.Tags,
		Status:      string(a.Status),
		GeneratedAt: m.GeneratedAt.UTC().Format(time.RFC3339Nano),
		NodeCount:   strconv.Itoa(len(a.Trail.Nodes)),
		TenantID:    m.TenantID,
		RequestID:   m.RequestID,
		Model:       m.Model,
		StartNodeID: a.Trail.StartNodeID,
		Issues:      a.Issues,
	}
}

func (m TrailMetadata) generatedAt() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, m.GeneratedAt)
	return t
}

func (m TrailMetadata) nodeCount() int {
	n, _ := strconv.Atoi(m.NodeCount)
	return n
}

func (m TrailMetadata) item(path string) domain.TrailListItem {
	return domain.TrailListItem{
		ID:          m.ID,
		FilePath:    path,
		Title:       m.Title,
		Description: m.Description,
		Theme:       m.Theme,
		AgeGroup:    m.AgeGroup,
		Language:    m.Language,
		Tags:        m.Tags,
		Status:      domain.TrailStatus(m.Status),
		GeneratedAt: m.generatedAt(),
		NodeCount:   m.nodeCount(),
		TenantID:    m.TenantID,
	}
}

func (m TrailMetadata) generation() domain.GenerationMetadata {
	return domain.GenerationMetadata{
		RequestID:   m.RequestID,
		TenantID:    m.TenantID,
		Title:       m.Title,
		Description: m.Description,
		Theme:       m.Theme,
		AgeGroup:    m.AgeGroup,
		Language:    m.Language,
		Tags:        m.Tags,
		GeneratedAt: m.generatedAt(),
		Model:       m.Model,
	}
}
