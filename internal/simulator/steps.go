package simulator

import (
	"fmt"

	"github.com/aretw0/trailhead/pkg/domain"
)

const minNodes = 4

// Steps builds a deterministic step sequence for p.
//
// Every node offers "continue" to the next node and "skip" to the one after it, so all
// nodes past the second are convergence points. The last node has no choices.
func Steps(p domain.GenerationParams) []domain.Step {
	n := p.NodeCount
	if n < minNodes {
		n = minNodes
	}
	title := p.Title
	if title == "" {
		title = "Untitled"
	}

	ids := make([]string, n)
	for i := range ids {
		switch i {
		case 0:
			ids[i] = domain.DefaultStartNodeID
		case n - 1:
			ids[i] = "end"
		default:
			ids[i] = fmt.Sprintf("n%d", i)
		}
	}

	steps := make([]domain.Step, n)
	for i, id := range ids {
		choices := []domain.Choice{}
		if i+1 < n {
			choices = append(choices, domain.Choice{ID: id + "-continue", Text: "Continue", NextNodeID: ids[i+1]})
		}
		if i+2 < n {
			choices = append(choices, domain.Choice{ID: id + "-skip", Text: "Skip ahead", NextNodeID: ids[i+2]})
		}
		steps[i] = domain.Step{
			TempNodeID: id,
			Content: domain.StepContent{
				Text:    fmt.Sprintf("%s, part %d of %d", title, i+1, n),
				Choices: choices,
			},
		}
	}
	return steps
}

// Stale strips every choice target, like backends that predate linked steps.
func Stale(steps []domain.Step) []domain.Step {
	out := make([]domain.Step, len(steps))
	for i, s := range steps {
		choices := make([]domain.Choice, len(s.Content.Choices))
		for j, c := range s.Content.Choices {
			c.NextNodeID = ""
			choices[j] = c
		}
		out[i] = domain.Step{TempNodeID: s.TempNodeID, Content: domain.StepContent{Text: s.Content.Text, Choices: choices}}
	}
	return out
}
