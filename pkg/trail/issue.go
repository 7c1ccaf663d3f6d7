package trail

import (
	"errors"
	"fmt"

	"github.com/aretw0/trailhead/pkg/domain"
)

// IssueKind classifies a reconstruction finding.
type IssueKind string

const (
	// IssueUnresolvedChoice marks a choice without a target node.
	IssueUnresolvedChoice IssueKind = "unresolved_choice"
	// IssueStructural marks a missing or invalid start node, or an edge to a missing node.
	IssueStructural IssueKind = "structural_inconsistency"
	// IssueUnreachable marks a node that cannot be reached from the start node.
	IssueUnreachable IssueKind = "unreachable"
	// IssueDuplicateStep marks a repeated step id. The first occurrence wins.
	IssueDuplicateStep IssueKind = "duplicate_step"
	// IssueInferredEdge marks an edge fabricated by ReconstructSequential.
	IssueInferredEdge IssueKind = "inferred_edge"
	// IssueAssumedStart marks a trail built without a start node id, from the default one.
	IssueAssumedStart IssueKind = "assumed_start"
)

// Issue is one finding about the input step sequence.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	NodeID   string    `json:"node_id,omitempty"`
	ChoiceID string    `json:"choice_id,omitempty"`
	Message  string    `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Kind, i.Message)
}

// Severe reports whether the issue makes the trail incomplete.
// Unreachable nodes, duplicates, inferred edges and an assumed start are warnings.
func (i Issue) Severe() bool {
	return i.Kind == IssueUnresolvedChoice || i.Kind == IssueStructural
}

// Err converts a severe issue into an error wrapping the matching sentinel.
// Warnings return nil.
func (i Issue) Err() error {
	switch i.Kind {
	case IssueUnresolvedChoice:
		return fmt.Errorf("%w: %s", domain.ErrUnresolvedChoice, i.Message)
	case IssueStructural:
		return fmt.Errorf("%w: %s", domain.ErrStructuralInconsistency, i.Message)
	}
	return nil
}

func joinIssues(issues []Issue) error {
	var errs []error
	for _, issue := range issues {
		if err := issue.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
