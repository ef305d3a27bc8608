package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/core/ports"
)

// ProcessQueryUseCase serves queries that arrive asynchronously: it runs
// retrieval and hands the result to downstream consumers.
type ProcessQueryUseCase struct {
	service   ports.EvidenceService
	publisher ports.ResultPublisher
}

func NewProcessQueryUseCase(service ports.EvidenceService, publisher ports.ResultPublisher) *ProcessQueryUseCase {
	return &ProcessQueryUseCase{service: service, publisher: publisher}
}

// Process returns the result even when publishing fails so a waiting
// requester still gets its answer.
func (uc *ProcessQueryUseCase) Process(ctx context.Context, query domain.Query) (*domain.AggregatedResult, error) {
	result, err := uc.service.Retrieve(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieve evidence: %w", err)
	}
	if uc.publisher == nil {
		return result, nil
	}
	if err := uc.publisher.PublishResult(ctx, result); err != nil {
		return result, fmt.Errorf("publish result: %w", err)
	}
	return result, nil
}
