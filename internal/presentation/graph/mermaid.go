package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/trail"
)

const maxLabel = 40

// GenerateMermaid produces a Mermaid flowchart for a reconstructed trail.
// It applies semantic styling:
// - Start: ((Circle))
// - Convergence point: {{Hexagon}}
// - Default: [Rectangle]
// Edges are labelled with their choice id. Unresolved choices reported in issues are
// drawn as dotted edges to a "?" placeholder, and unreachable nodes are greyed out.
func GenerateMermaid(t domain.Trail, issues []trail.Issue) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	convergence := make(map[string]bool, len(t.ConvergencePoints))
	for _, id := range t.ConvergencePoints {
		convergence[id] = true
	}

	for _, id := range nodeOrder(t) {
		node := t.Nodes[id]
		safeID := sanitizeMermaidID(id)

		opener, closer := "[", "]"
		switch {
		case id == t.StartNodeID:
			opener, closer = "((", "))"
		case convergence[id]:
			opener, closer = "{{", "}}"
		}

		label := escape(id)
		if text := summary(node.Text); text != "" {
			label = fmt.Sprintf("%s <br/> %s", label, escape(text))
		}
		sb.WriteString(fmt.Sprintf("    %s%s\"%s\"%s\n", safeID, opener, label, closer))
	}

	for _, e := range t.Edges {
		arrow := "-->"
		if e.ChoiceID != "" {
			arrow = fmt.Sprintf("-- \"%s\" -->", escape(e.ChoiceID))
		}
		sb.WriteString(fmt.Sprintf("    %s %s %s\n", sanitizeMermaidID(e.From), arrow, sanitizeMermaidID(e.To)))
	}

	var unreachable []string
	for _, issue := range issues {
		switch issue.Kind {
		case trail.IssueUnresolvedChoice:
			from := sanitizeMermaidID(issue.NodeID)
			placeholder := sanitizeMermaidID(issue.NodeID + "__" + issue.ChoiceID + "__unresolved")
			sb.WriteString(fmt.Sprintf("    %s[/\"?\"/]\n", placeholder))
			sb.WriteString(fmt.Sprintf("    %s -. \"%s\" .-> %s\n", from, escape(issue.ChoiceID), placeholder))
		case trail.IssueUnreachable:
			unreachable = append(unreachable, sanitizeMermaidID(issue.NodeID))
		}
	}

	if len(t.ConvergencePoints) > 0 || len(unreachable) > 0 {
		sb.WriteString("\n    %% Trail Styles\n")
		// Force black text (color:#000) for high-contrast on light backgrounds, regardless of theme (Light/Dark)
		sb.WriteString("    classDef convergence fill:#ffeb3b,stroke:#fbc02d,stroke-width:3px,color:#000;\n")
		sb.WriteString("    classDef unreachable fill:#eeeeee,stroke:#9e9e9e,stroke-dasharray:4,color:#000;\n")
		for _, id := range t.ConvergencePoints {
			sb.WriteString(fmt.Sprintf("    class %s convergence;\n", sanitizeMermaidID(id)))
		}
		for _, id := range unreachable {
			sb.WriteString(fmt.Sprintf("    class %s unreachable;\n", id))
		}
	}

	return sb.String()
}

// nodeOrder puts the start node first and the rest in id order.
func nodeOrder(t domain.Trail) []string {
	ids := make([]string, 0, len(t.Nodes))
	for id := range t.Nodes {
		if id != t.StartNodeID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := t.Nodes[t.StartNodeID]; ok {
		ids = append([]string{t.StartNodeID}, ids...)
	}
	return ids
}

func summary(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len([]rune(text)) <= maxLabel {
		return text
	}
	return string([]rune(text)[:maxLabel-1]) + "…"
}

func escape(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
