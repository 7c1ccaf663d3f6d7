package graph_test

import (
	"strings"
	"testing"

	"github.com/aretw0/trailhead/internal/presentation/graph"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/trail"
	"github.com/stretchr/testify/assert"
)

func steps(spec ...domain.Step) []domain.Step { return spec }

func st(id, text string, choices ...domain.Choice) domain.Step {
	return domain.Step{TempNodeID: id, Content: domain.StepContent{Text: text, Choices: choices}}
}

func TestGenerateMermaid(t *testing.T) {
	tests := []struct {
		name     string
		steps    []domain.Step
		start    string
		contains []string
		excludes []string
	}{
		{
			name:  "Start Node Shape",
			steps: steps(st("start", "", domain.Choice{ID: "c1", NextNodeID: "end"}), st("end", "")),
			start: "start",
			contains: []string{
				"start((\"start\"))",
				"end[\"end\"]",
				"start -- \"c1\" --> end",
			},
			excludes: []string{"classDef"},
		},
		{
			name: "Convergence Hexagon",
			steps: steps(
				st("A", "", domain.Choice{ID: "c1", NextNodeID: "B"}, domain.Choice{ID: "c2", NextNodeID: "C"}),
				st("B", ""),
				st("C", "", domain.Choice{ID: "c3", NextNodeID: "B"}),
			),
			start: "A",
			contains: []string{
				"B{{\"B\"}}",
				"class B convergence;",
			},
		},
		{
			name:  "ID Sanitization",
			steps: steps(st("path/to/file.md", "", domain.Choice{ID: "go", NextNodeID: "hyphen-ated"}), st("hyphen-ated", "")),
			start: "path/to/file.md",
			contains: []string{
				"path_to_file_md((\"path/to/file.md\"))",
				"hyphen_ated[\"hyphen-ated\"]",
				"path_to_file_md -- \"go\" --> hyphen_ated",
			},
		},
		{
			name:  "Text Label Escaping",
			steps: steps(st("A", "She said \"run\"\n and ran")),
			start: "A",
			contains: []string{
				"A((\"A <br/> She said 'run' and ran\"))",
			},
		},
		{
			name:  "Unresolved Choice Placeholder",
			steps: steps(st("A", "", domain.Choice{ID: "c2"})),
			start: "A",
			contains: []string{
				"A__c2__unresolved[/\"?\"/]",
				"A -. \"c2\" .-> A__c2__unresolved",
			},
		},
		{
			name:  "Unreachable Styling",
			steps: steps(st("A", ""), st("orphan", "")),
			start: "A",
			contains: []string{
				"class orphan unreachable;",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := trail.Reconstruct(tt.steps, tt.start)
			got := graph.GenerateMermaid(res.Trail, res.Issues)
			assert.True(t, strings.HasPrefix(got, "graph TD\n"))
			for _, want := range tt.contains {
				assert.Contains(t, got, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, got, unwanted)
			}
		})
	}
}

func TestGenerateMermaid_LongTextTruncated(t *testing.T) {
	res := trail.Reconstruct(steps(st("A", strings.Repeat("word ", 30))), "A")
	got := graph.GenerateMermaid(res.Trail, nil)
	assert.Contains(t, got, "…")
	assert.NotContains(t, got, strings.Repeat("word ", 30))
}

func TestGenerateMermaid_Deterministic(t *testing.T) {
	res := trail.Reconstruct(steps(
		st("A", "", domain.Choice{ID: "1", NextNodeID: "C"}, domain.Choice{ID: "2", NextNodeID: "B"}),
		st("B", ""),
		st("C", ""),
	), "A")
	first := graph.GenerateMermaid(res.Trail, res.Issues)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, graph.GenerateMermaid(res.Trail, res.Issues))
	}
}
