package domain

// TrailNode is a vertex of a reconstructed trail.
type TrailNode struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Choices []Choice `json:"choices"`
}

// Edge links two trail nodes through the choice that leads from one to the other.
type Edge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	ChoiceID string `json:"choice_id"`
}

// Trail is the directed graph derived from a step sequence.
// Every edge references existing node ids. A convergence point has in-degree >= 2.
type Trail struct {
	Nodes             map[string]TrailNode `json:"nodes"`
	Edges             []Edge               `json:"edges"`
	StartNodeID       string               `json:"start_node_id"`
	ConvergencePoints []string             `json:"convergence_points"`
}

// InDegree counts incoming edges per node id. Nodes without incoming edges map to zero.
func (t *Trail) InDegree() map[string]int {
	deg := make(map[string]int, len(t.Nodes))
	for id := range t.Nodes {
		deg[id] = 0
	}
	for _, e := range t.Edges {
		deg[e.To]++
	}
	return deg
}

// Outgoing returns the edges leaving id, in edge order.
func (t *Trail) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range t.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}
