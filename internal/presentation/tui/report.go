package tui

import (
	"fmt"
	"strings"

	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/trail"
)

// TrailReport renders a reconstruction result as markdown.
func TrailReport(title string, res trail.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "- **Status:** %s\n", res.Status())
	fmt.Fprintf(&sb, "- **Start:** `%s`\n", res.Trail.StartNodeID)
	fmt.Fprintf(&sb, "- **Nodes:** %d\n", len(res.Trail.Nodes))
	fmt.Fprintf(&sb, "- **Edges:** %d\n", len(res.Trail.Edges))
	if len(res.Trail.ConvergencePoints) > 0 {
		fmt.Fprintf(&sb, "- **Convergence points:** %s\n", codeList(res.Trail.ConvergencePoints))
	} else {
		sb.WriteString("- **Convergence points:** none\n")
	}

	if len(res.Trail.Edges) > 0 {
		sb.WriteString("\n## Edges\n\n| From | Choice | To |\n|---|---|---|\n")
		for _, e := range res.Trail.Edges {
			fmt.Fprintf(&sb, "| `%s` | %s | `%s` |\n", e.From, e.ChoiceID, e.To)
		}
	}

	if len(res.Issues) > 0 {
		sb.WriteString("\n## Issues\n\n")
		for _, issue := range res.Issues {
			marker := "warning"
			if issue.Severe() {
				marker = "**error**"
			}
			fmt.Fprintf(&sb, "- %s `%s`: %s\n", marker, issue.Kind, issue.Message)
		}
	}
	return sb.String()
}

// RequestTable renders tracked requests as a markdown table.
func RequestTable(requests []domain.TrackedRequest) string {
	if len(requests) == 0 {
		return "_No tracked requests._\n"
	}
	var sb strings.Builder
	sb.WriteString("| Request | Tenant | Status | Phase | Progress | Updated |\n|---|---|---|---|---|---|\n")
	for _, r := range requests {
		fmt.Fprintf(&sb, "| `%s` | %s | %s | %s | %.0f%% | %s |\n",
			r.RequestID, r.TenantID, r.Status, r.Phase, r.Progress*100, r.LastUpdate.Format("15:04:05"))
	}
	return sb.String()
}

// TrailTable renders stored trail summaries as a markdown table.
func TrailTable(items []domain.TrailListItem) string {
	if len(items) == 0 {
		return "_No stored trails._\n"
	}
	var sb strings.Builder
	sb.WriteString("| ID | Title | Tenant | Status | Nodes | Generated |\n|---|---|---|---|---|---|\n")
	for _, it := range items {
		fmt.Fprintf(&sb, "| `%s` | %s | %s | %s | %d | %s |\n",
			it.ID, it.Title, it.TenantID, it.Status, it.NodeCount, it.GeneratedAt.Format("2006-01-02 15:04"))
	}
	return sb.String()
}

func codeList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "`" + id + "`"
	}
	return strings.Join(quoted, ", ")
}
