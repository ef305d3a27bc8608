package domain

import "time"

type IndexKind string

const (
	IndexVector   IndexKind = "vector"
	IndexLexical  IndexKind = "lexical"
	IndexMetadata IndexKind = "metadata"
)

type ExecutionMode string

const (
	ExecutionParallel   ExecutionMode = "parallel"
	ExecutionSequential ExecutionMode = "sequential"
)

type SourcePlan struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	IndexKind   IndexKind         `json:"index_kind"`
	TopK        int               `json:"top_k"`
	QueryText   string            `json:"query_text"`
	EntityHints map[string]string `json:"entity_hints,omitempty"`
}

// RetrievalPlan is an executable plan. Deadline is a budget measured from
// the moment the executor dispatches the plan.
type RetrievalPlan struct {
	Intent        Intent        `json:"intent"`
	Template      string        `json:"template"`
	Sources       []SourcePlan  `json:"sources"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	Deadline      time.Duration `json:"deadline"`
	TopK          int           `json:"top_k"`
}

// RequestedTopK is the sum of top_k over every source plan.
func (p RetrievalPlan) RequestedTopK() int {
	total := 0
	for _, sp := range p.Sources {
		total += sp.TopK
	}
	return total
}
