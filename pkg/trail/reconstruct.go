package trail

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/aretw0/trailhead/pkg/domain"
)

// Result is a reconstructed trail plus everything found wrong with its input.
type Result struct {
	Trail    domain.Trail `json:"trail"`
	Issues   []Issue      `json:"issues"`
	Degraded bool         `json:"degraded,omitempty"`
}

// Err joins the severe issues into one error, or returns nil when the trail is complete.
func (r *Result) Err() error {
	return joinIssues(r.Issues)
}

// Unresolved returns the unresolved choice issues.
func (r *Result) Unresolved() []Issue {
	return r.filter(IssueUnresolvedChoice)
}

// filter returns the issues of the given kind, in report order.
func (r *Result) filter(kind IssueKind) []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Kind == kind {
			out = append(out, issue)
		}
	}
	return out
}

// Status summarises the result for storage.
func (r *Result) Status() domain.TrailStatus {
	switch {
	case r.Degraded:
		return domain.TrailStatusDegraded
	case r.Err() != nil:
		return domain.TrailStatusPartial
	}
	return domain.TrailStatusComplete
}

// Messages renders every issue as text.
func (r *Result) Messages() []string {
	out := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		out[i] = issue.String()
	}
	return out
}

// Clone returns a deep copy so cached results cannot be mutated by callers.
func (r Result) Clone() Result {
	out := Result{Degraded: r.Degraded, Issues: append([]Issue{}, r.Issues...)}
	out.Trail.StartNodeID = r.Trail.StartNodeID
	out.Trail.Nodes = make(map[string]domain.TrailNode, len(r.Trail.Nodes))
	for id, n := range r.Trail.Nodes {
		n.Choices = append([]domain.Choice{}, n.Choices...)
		out.Trail.Nodes[id] = n
	}
	out.Trail.Edges = append([]domain.Edge{}, r.Trail.Edges...)
	out.Trail.ConvergencePoints = append([]string{}, r.Trail.ConvergencePoints...)
	return out
}

// Reconstruct builds the trail for steps rooted at startNodeID.
//
// Each choice with a next_node_id becomes an edge; choices without one are reported as
// IssueUnresolvedChoice and excluded. Edges to unknown nodes are reported as
// IssueStructural and excluded, so every returned edge joins two existing nodes. Nodes
// with in-degree >= 2 are convergence points. The start node must exist and have
// in-degree 0; otherwise an IssueStructural is reported and the start id is kept as given.
func Reconstruct(steps []domain.Step, startNodeID string) Result {
	res := Result{
		Trail: domain.Trail{
			Nodes:             make(map[string]domain.TrailNode, len(steps)),
			Edges:             []domain.Edge{},
			StartNodeID:       startNodeID,
			ConvergencePoints: []string{},
		},
		Issues: []Issue{},
	}

	// Pass 1: nodes, in step order.
	order := make([]string, 0, len(steps))
	kept := make([]domain.Step, 0, len(steps))
	for i, step := range steps {
		id := step.TempNodeID
		if id == "" {
			res.Issues = append(res.Issues, Issue{
				Kind:    IssueStructural,
				Message: fmt.Sprintf("step %d has no temp_node_id", i),
			})
			continue
		}
		if _, dup := res.Trail.Nodes[id]; dup {
			res.Issues = append(res.Issues, Issue{
				Kind:    IssueDuplicateStep,
				NodeID:  id,
				Message: fmt.Sprintf("step %d repeats node %q; first occurrence kept", i, id),
			})
			continue
		}
		res.Trail.Nodes[id] = domain.TrailNode{
			ID:      id,
			Text:    step.Content.Text,
			Choices: append([]domain.Choice{}, step.Content.Choices...),
		}
		order = append(order, id)
		kept = append(kept, step)
	}

	// Pass 2: edges, in step then choice order.
	for _, step := range kept {
		for _, c := range step.Content.Choices {
			switch {
			case c.NextNodeID == "":
				res.Issues = append(res.Issues, Issue{
					Kind:     IssueUnresolvedChoice,
					NodeID:   step.TempNodeID,
					ChoiceID: c.ID,
					Message:  fmt.Sprintf("choice %q of node %q has no target", c.ID, step.TempNodeID),
				})
			case !hasNode(res.Trail.Nodes, c.NextNodeID):
				res.Issues = append(res.Issues, Issue{
					Kind:     IssueStructural,
					NodeID:   step.TempNodeID,
					ChoiceID: c.ID,
					Message:  fmt.Sprintf("choice %q of node %q targets missing node %q", c.ID, step.TempNodeID, c.NextNodeID),
				})
			default:
				res.Trail.Edges = append(res.Trail.Edges, domain.Edge{
					From:     step.TempNodeID,
					To:       c.NextNodeID,
					ChoiceID: c.ID,
				})
			}
		}
	}

	// Pass 3: convergence and start validation.
	inDegree := res.Trail.InDegree()
	for _, id := range order {
		if inDegree[id] >= 2 {
			res.Trail.ConvergencePoints = append(res.Trail.ConvergencePoints, id)
		}
	}

	switch {
	case startNodeID == "":
		res.Issues = append(res.Issues, Issue{Kind: IssueStructural, Message: "no start node id given"})
	case !hasNode(res.Trail.Nodes, startNodeID):
		res.Issues = append(res.Issues, Issue{
			Kind:    IssueStructural,
			NodeID:  startNodeID,
			Message: fmt.Sprintf("start node %q is not among the steps", startNodeID),
		})
	default:
		if d := inDegree[startNodeID]; d != 0 {
			res.Issues = append(res.Issues, Issue{
				Kind:    IssueStructural,
				NodeID:  startNodeID,
				Message: fmt.Sprintf("start node %q has in-degree %d, want 0", startNodeID, d),
			})
		}
		reached := reachable(&res.Trail, startNodeID)
		for _, id := range order {
			if !reached[id] {
				res.Issues = append(res.Issues, Issue{
					Kind:    IssueUnreachable,
					NodeID:  id,
					Message: fmt.Sprintf("node %q cannot be reached from %q", id, startNodeID),
				})
			}
		}
	}

	return res
}

// ReconstructSequential is the degraded compatibility mode for stale step data.
// Every choice without a target is linked to the step that follows its own in the
// sequence, and each fabricated link is reported as IssueInferredEdge. Choices of the
// last step stay unresolved.
func ReconstructSequential(steps []domain.Step, startNodeID string) Result {
	patched := make([]domain.Step, len(steps))
	var inferred []Issue
	for i, step := range steps {
		choices := append([]domain.Choice{}, step.Content.Choices...)
		if i+1 < len(steps) && steps[i+1].TempNodeID != "" {
			next := steps[i+1].TempNodeID
			for j := range choices {
				if choices[j].NextNodeID != "" {
					continue
				}
				choices[j].NextNodeID = next
				inferred = append(inferred, Issue{
					Kind:     IssueInferredEdge,
					NodeID:   step.TempNodeID,
					ChoiceID: choices[j].ID,
					Message:  fmt.Sprintf("choice %q of node %q linked to following step %q", choices[j].ID, step.TempNodeID, next),
				})
			}
		}
		patched[i] = domain.Step{
			TempNodeID: step.TempNodeID,
			Content:    domain.StepContent{Text: step.Content.Text, Choices: choices},
		}
	}

	res := Reconstruct(patched, startNodeID)
	res.Issues = append(inferred, res.Issues...)
	if res.Issues == nil {
		res.Issues = []Issue{}
	}
	res.Degraded = true
	return res
}

// Fingerprint is a stable key for a step sequence and start id.
func Fingerprint(steps []domain.Step, startNodeID string) string {
	data, err := json.Marshal(struct {
		Start string        `json:"start"`
		Steps []domain.Step `json:"steps"`
	}{startNodeID, steps})
	if err != nil {
		// Steps contain only strings; Marshal cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hasNode(nodes map[string]domain.TrailNode, id string) bool {
	_, ok := nodes[id]
	return ok
}

func reachable(t *domain.Trail, start string) map[string]bool {
	next := make(map[string][]string, len(t.Nodes))
	for _, e := range t.Edges {
		next[e.From] = append(next[e.From], e.To)
	}

	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, to := range next[id] {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	return seen
}
