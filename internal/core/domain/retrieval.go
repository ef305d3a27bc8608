package domain

import "time"

// Chunk is the canonical unit of evidence. Chunks are read-only views
// fetched from adapters.
type Chunk struct {
	ID           string    `json:"chunk_id"`
	Text         string    `json:"text"`
	Source       string    `json:"source"`
	URI          string    `json:"uri,omitempty"`
	LastModified time.Time `json:"last_modified"`
	Author       string    `json:"author,omitempty"`
	EntityID     string    `json:"entity_id,omitempty"`
}

type Modality string

const (
	ModalitySemantic      Modality = "semantic"
	ModalityLexical       Modality = "lexical"
	ModalityAuthoritative Modality = "authoritative"
)

type RetrievalHit struct {
	ChunkID  string   `json:"chunk_id"`
	Score    float64  `json:"score"`
	Modality Modality `json:"modality"`
	Source   string   `json:"source"`
	PlanID   string   `json:"plan_id"`
	Chunk    Chunk    `json:"chunk"`
	// SupersedesChunks lists chunk ids an authoritative record points to.
	SupersedesChunks []string `json:"supersedes_chunks,omitempty"`
	RecordStatus     string   `json:"record_status,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeOK      OutcomeStatus = "ok"
	OutcomeEmpty   OutcomeStatus = "empty"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeTimeout OutcomeStatus = "timeout"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Responded reports whether the source plan returned before the deadline.
func (s OutcomeStatus) Responded() bool {
	return s == OutcomeOK || s == OutcomeEmpty
}

type SourceOutcome struct {
	PlanID    string        `json:"plan_id"`
	Source    string        `json:"source"`
	IndexKind IndexKind     `json:"index_kind"`
	Status    OutcomeStatus `json:"status"`
	Hits      int           `json:"hits"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type ExecutionReport struct {
	Hits     []RetrievalHit  `json:"hits"`
	Outcomes []SourceOutcome `json:"outcomes"`
}

type EvidenceItem struct {
	Chunk         Chunk      `json:"chunk"`
	CombinedScore float64    `json:"combined_score"`
	Modalities    []Modality `json:"modalities_seen"`
	Authoritative bool       `json:"is_authoritative_override"`
	Superseded    bool       `json:"superseded,omitempty"`
	SupersededBy  string     `json:"superseded_by,omitempty"`
}

type AggregatedResult struct {
	QueryID          string          `json:"query_id,omitempty"`
	Intent           Intent          `json:"intent,omitempty"`
	Items            []EvidenceItem  `json:"items"`
	EvidenceComplete bool            `json:"evidence_complete"`
	MissingSources   []string        `json:"missing_sources,omitempty"`
	Conflicts        []string        `json:"conflicts,omitempty"`
	Outcomes         []SourceOutcome `json:"outcomes,omitempty"`
}

// AuthoritativeRecord is the live record held by a metadata registry.
type AuthoritativeRecord struct {
	EntityID  string    `json:"entity_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Source    string    `json:"source"`
	URI       string    `json:"uri,omitempty"`
	Author    string    `json:"author,omitempty"`
	ChunkIDs  []string  `json:"chunk_ids,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LookupKey struct {
	EntityID string
	ChunkID  string
}

func (k LookupKey) Empty() bool {
	return k.EntityID == "" && k.ChunkID == ""
}

// Metadata keys adapters use when returning scored records.
const (
	MetaURI          = "uri"
	MetaLastModified = "last_modified"
	MetaAuthor       = "author"
	MetaEntityID     = "entity_id"
	MetaSource       = "source"
)

// ScoredRecord is the raw row returned by vector and lexical adapters.
type ScoredRecord struct {
	ChunkID  string            `json:"chunk_id"`
	Score    float64           `json:"score"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Explanation exposes routing and planning without executing the plan.
type Explanation struct {
	Decision RoutingDecision `json:"decision"`
	Plan     RetrievalPlan   `json:"plan"`
}
