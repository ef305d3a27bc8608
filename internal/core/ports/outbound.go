package ports

import (
	"context"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

// IntentClassifier returns the raw JSON classification of a query. The
// router validates it; classifier output is never trusted as-is.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, query string, knownSources []string) (string, error)
}

// Embedder builds the query vector for semantic search.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher queries a vector index namespace.
type VectorSearcher interface {
	SearchVector(ctx context.Context, namespace string, vector []float32, topK int) ([]domain.ScoredRecord, error)
}

// LexicalSearcher queries a lexical index with an already normalized token list.
type LexicalSearcher interface {
	SearchLexical(ctx context.Context, index string, tokens []string, topK int) ([]domain.ScoredRecord, error)
}

// MetadataRegistry resolves authoritative records. Implementations return an
// error wrapping domain.ErrNotFound when nothing matches the key.
type MetadataRegistry interface {
	Lookup(ctx context.Context, key domain.LookupKey) (*domain.AuthoritativeRecord, error)
}

// ResultPublisher hands aggregated evidence to downstream consumers.
type ResultPublisher interface {
	PublishResult(ctx context.Context, result *domain.AggregatedResult) error
}
