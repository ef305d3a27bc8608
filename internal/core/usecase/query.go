package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

// RetrievalUseCase chains routing, planning, execution and aggregation for
// a single query.
type RetrievalUseCase struct {
	router     *IntentRouter
	planner    *Planner
	executor   *Executor
	aggregator *Aggregator
	logger     *slog.Logger
	now        func() time.Time
}

func NewRetrievalUseCase(
	router *IntentRouter,
	planner *Planner,
	executor *Executor,
	aggregator *Aggregator,
	logger *slog.Logger,
) *RetrievalUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrievalUseCase{
		router:     router,
		planner:    planner,
		executor:   executor,
		aggregator: aggregator,
		logger:     logger,
		now:        time.Now,
	}
}

func (uc *RetrievalUseCase) Retrieve(ctx context.Context, query domain.Query) (*domain.AggregatedResult, error) {
	query, err := uc.prepare(query)
	if err != nil {
		return nil, err
	}

	started := uc.now()
	decision, plan := uc.routeAndPlan(ctx, query)
	report := uc.executor.Execute(ctx, plan)
	result := uc.aggregator.Aggregate(report, plan)
	result.QueryID = query.ID

	if len(result.Items) == 0 {
		uc.logger.Info("no_evidence", "query_id", query.ID, "intent", decision.Intent, "plans", len(plan.Sources))
	}
	uc.logger.Info("retrieval_completed",
		"query_id", query.ID,
		"intent", decision.Intent,
		"origin", decision.Origin,
		"template", plan.Template,
		"items", len(result.Items),
		"evidence_complete", result.EvidenceComplete,
		"duration_ms", float64(time.Since(started).Microseconds())/1000.0,
	)
	return &result, nil
}

func (uc *RetrievalUseCase) Explain(ctx context.Context, query domain.Query) (*domain.Explanation, error) {
	query, err := uc.prepare(query)
	if err != nil {
		return nil, err
	}
	decision, plan := uc.routeAndPlan(ctx, query)
	return &domain.Explanation{Decision: decision, Plan: plan}, nil
}

func (uc *RetrievalUseCase) prepare(query domain.Query) (domain.Query, error) {
	query.Text = strings.TrimSpace(query.Text)
	if query.Text == "" {
		return query, domain.WrapError(domain.ErrInvalidInput, "retrieve", fmt.Errorf("query text is required"))
	}
	if query.ID == "" {
		query.ID = uuid.NewString()
	}
	if query.ReceivedAt.IsZero() {
		query.ReceivedAt = uc.now().UTC()
	}
	return query, nil
}

func (uc *RetrievalUseCase) routeAndPlan(ctx context.Context, query domain.Query) (domain.RoutingDecision, domain.RetrievalPlan) {
	decision := uc.router.Route(ctx, query)
	plan := uc.planner.Plan(decision)
	if plan.Template == FallbackTemplate {
		uc.logger.Warn("plan_fallback",
			"query_id", query.ID,
			"error", domain.WrapError(domain.ErrPlanning, "plan", fmt.Errorf("no plan rule for intent %q", decision.Intent)),
		)
	}
	return decision, plan
}
