package domain

import "time"

type Intent string

const (
	IntentDocsLookup   Intent = "DOCS_LOOKUP"
	IntentGitHubStatus Intent = "GITHUB_STATUS"
	IntentSynthesis    Intent = "SYNTHESIS"
	IntentUnknown      Intent = "UNKNOWN"
)

func (i Intent) Valid() bool {
	switch i {
	case IntentDocsLookup, IntentGitHubStatus, IntentSynthesis, IntentUnknown:
		return true
	default:
		return false
	}
}

type RetrievalMode string

const (
	ModeSemantic     RetrievalMode = "semantic"
	ModeLexical      RetrievalMode = "lexical"
	ModeHybrid       RetrievalMode = "hybrid"
	ModeMetadataOnly RetrievalMode = "metadata_only"
)

func (m RetrievalMode) Valid() bool {
	switch m {
	case ModeSemantic, ModeLexical, ModeHybrid, ModeMetadataOnly:
		return true
	default:
		return false
	}
}

// Well-known entity kinds produced by routing rules and the classifier.
const (
	EntityIssueNumber  = "issue_number"
	EntityRepo         = "repo"
	EntityEntityID     = "entity_id"
	EntityChunkID      = "chunk_id"
	EntityFunctionName = "function_name"
)

// Routing decision origins.
const (
	OriginRule       = "rule"
	OriginClassifier = "classifier"
	OriginFallback   = "fallback"
)

type QueryHints struct {
	Sources []string      `json:"sources,omitempty"`
	Mode    RetrievalMode `json:"mode,omitempty"`
}

type Query struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	CallerID   string     `json:"caller_id,omitempty"`
	Hints      QueryHints `json:"hints,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
}

// RoutingDecision is produced once per query by the intent router and
// consumed only by the planner.
type RoutingDecision struct {
	Query      string            `json:"query"`
	Intent     Intent            `json:"intent"`
	Sources    []string          `json:"sources"`
	Mode       RetrievalMode     `json:"retrieval_mode"`
	Entities   map[string]string `json:"extracted_entities"`
	Confidence float64           `json:"confidence"`
	Origin     string            `json:"origin"`
	Rule       string            `json:"rule,omitempty"`
}

// Source describes one known source namespace and where its indices live.
type Source struct {
	Name            string `json:"name" yaml:"name"`
	VectorNamespace string `json:"vector_namespace" yaml:"vector_namespace"`
	LexicalIndex    string `json:"lexical_index" yaml:"lexical_index"`
}

func (s Source) Namespace() string {
	if s.VectorNamespace != "" {
		return s.VectorNamespace
	}
	return s.Name
}

func (s Source) Index() string {
	if s.LexicalIndex != "" {
		return s.LexicalIndex
	}
	return s.Name
}

// IssueEntityID builds the canonical identifier used by registries for an
// issue or pull request.
func IssueEntityID(repo, number string) string {
	if repo == "" {
		return "#" + number
	}
	return repo + "#" + number
}
