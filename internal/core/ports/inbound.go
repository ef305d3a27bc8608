package ports

import (
	"context"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

// EvidenceService is the inbound contract for query submission.
type EvidenceService interface {
	Retrieve(ctx context.Context, query domain.Query) (*domain.AggregatedResult, error)
	Explain(ctx context.Context, query domain.Query) (*domain.Explanation, error)
}
