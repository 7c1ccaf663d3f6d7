package domain

// Choice is one branching option offered by a step.
// NextNodeID is empty when the backend did not resolve a target.
type Choice struct {
	ID         string `json:"id" yaml:"id"`
	Text       string `json:"text" yaml:"text"`
	NextNodeID string `json:"next_node_id,omitempty" yaml:"next_node_id,omitempty"`
}

// StepContent is the narrative text of a step plus its ordered choices.
type StepContent struct {
	Text    string   `json:"text" yaml:"text"`
	Choices []Choice `json:"choices" yaml:"choices"`
}

// Step is one unit of a generation trace.
// Steps arrive as a flat ordered sequence; graph structure is derived, never assumed.
type Step struct {
	TempNodeID string      `json:"temp_node_id" yaml:"temp_node_id"`
	Content    StepContent `json:"content" yaml:"content"`
}
