package tui_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/aretw0/trailhead/internal/presentation/tui"
	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/trail"
	"github.com/stretchr/testify/assert"
)

func TestTrailReport(t *testing.T) {
	res := trail.Reconstruct([]domain.Step{
		{TempNodeID: "A", Content: domain.StepContent{Choices: []domain.Choice{{ID: "c1", NextNodeID: "B"}, {ID: "c2"}}}},
		{TempNodeID: "B"},
	}, "A")

	md := tui.TrailReport("Forest Path", res)
	assert.Contains(t, md, "# Forest Path")
	assert.Contains(t, md, "- **Status:** partial")
	assert.Contains(t, md, "| `A` | c1 | `B` |")
	assert.Contains(t, md, "**error** `unresolved_choice`")
	assert.Contains(t, md, "- **Convergence points:** none")
}

func TestRequestTable(t *testing.T) {
	assert.Equal(t, "_No tracked requests._\n", tui.RequestTable(nil))

	md := tui.RequestTable([]domain.TrackedRequest{{
		RequestID:  "req-1",
		TenantID:   "acme",
		Status:     domain.StatusInProgress,
		Phase:      "content",
		Progress:   0.5,
		LastUpdate: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}})
	assert.Contains(t, md, "| `req-1` | acme | in_progress | content | 50% | 09:30:00 |")
}

func TestTrailTable(t *testing.T) {
	md := tui.TrailTable([]domain.TrailListItem{{ID: "t1", Title: "Cave", TenantID: "acme", Status: domain.TrailStatusComplete, NodeCount: 4}})
	assert.Contains(t, md, "| `t1` | Cave | acme | complete | 4 |")
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	tui.PrintBanner(&buf)
	assert.Contains(t, buf.String(), "__|")
}
