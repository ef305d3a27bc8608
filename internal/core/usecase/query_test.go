package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

type pipelineFixture struct {
	classifier *classifierFake
	embedder   *embedderFake
	searcher   *searcherFake
	registry   *registryFake
	uc         *RetrievalUseCase
}

func newPipelineFixture(raw string, deadline time.Duration) *pipelineFixture {
	f := &pipelineFixture{
		classifier: &classifierFake{raw: raw},
		embedder:   &embedderFake{},
		searcher:   newSearcherFake(),
		registry:   &registryFake{records: map[string]*domain.AuthoritativeRecord{}},
	}
	router := NewIntentRouter(f.classifier, RouterConfig{Sources: testSources, DefaultRepo: "acme/api"}, nil)
	plannerCfg := DefaultPlannerConfig()
	plannerCfg.Sources = testSources
	plannerCfg.Deadline = deadline
	executor := NewExecutor(f.embedder, f.searcher, f.searcher, f.registry, ExecutorConfig{}, nil)
	f.uc = NewRetrievalUseCase(router, NewPlanner(plannerCfg), executor, NewAggregator(DefaultAggregatorConfig(), nil), nil)
	return f
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	f := newPipelineFixture("", time.Second)

	_, err := f.uc.Retrieve(context.Background(), domain.Query{Text: "   "})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestRetrieveGitHubStatusUsesRegistryOnly(t *testing.T) {
	f := newPipelineFixture("", time.Second)
	f.registry.records["acme/api#482"] = &domain.AuthoritativeRecord{
		EntityID:  "acme/api#482",
		Kind:      "issue",
		Status:    "closed",
		Title:     "Payment retries loop forever",
		Source:    "github",
		UpdatedAt: time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC),
	}

	result, err := f.uc.Retrieve(context.Background(), domain.Query{Text: "What is the status of issue #482?"})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}

	if f.classifier.calls.Load() != 0 || f.embedder.calls.Load() != 0 || f.searcher.totalCalls() != 0 {
		t.Fatalf("expected registry-only path, got classify=%d embed=%d search=%d",
			f.classifier.calls.Load(), f.embedder.calls.Load(), f.searcher.totalCalls())
	}
	if len(result.Items) != 1 || !result.Items[0].Authoritative {
		t.Fatalf("expected one authoritative item, got %+v", result.Items)
	}
	if result.QueryID == "" {
		t.Fatalf("expected generated query id")
	}
	if result.Intent != domain.IntentGitHubStatus {
		t.Fatalf("expected GITHUB_STATUS, got %s", result.Intent)
	}
}

func TestRetrieveSynthesisSurvivesSlowSource(t *testing.T) {
	raw := `{"intent":"SYNTHESIS","sources":["docs","github","slack"],"retrieval_mode":"hybrid","extracted_entities":{},"confidence":0.85}`
	f := newPipelineFixture(raw, 100*time.Millisecond)
	f.searcher.records["docs"] = []domain.ScoredRecord{{ChunkID: "doc-retry", Score: 0.7, Text: "Retry policy"}}
	f.searcher.records["github"] = []domain.ScoredRecord{{ChunkID: "gh-311", Score: 0.65, Text: "Retry bug report"}}
	f.searcher.delays["slack"] = 2 * time.Second

	started := time.Now()
	result, err := f.uc.Retrieve(context.Background(), domain.Query{Text: "Summarize everything we know about the payment retry bug"})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("retrieve ignored deadline: %s", elapsed)
	}

	if result.EvidenceComplete {
		t.Fatalf("expected incomplete evidence")
	}
	if diff := cmp.Diff([]string{"slack/lexical", "slack/vector"}, result.MissingSources); diff != "" {
		t.Fatalf("missing sources mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"doc-retry", "gh-311"}, itemIDs(*result)); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if f.embedder.calls.Load() != 1 {
		t.Fatalf("expected one shared embedding, got %d", f.embedder.calls.Load())
	}
}

func TestExplainReturnsDecisionAndPlan(t *testing.T) {
	f := newPipelineFixture(docsClassification, time.Second)

	explanation, err := f.uc.Explain(context.Background(), domain.Query{Text: "How does getUserProfile handle missing users?"})
	if err != nil {
		t.Fatalf("Explain() error = %v", err)
	}
	if explanation.Decision.Intent != domain.IntentDocsLookup {
		t.Fatalf("expected DOCS_LOOKUP, got %s", explanation.Decision.Intent)
	}
	if diff := cmp.Diff([]string{"docs/vector"}, planIDs(explanation.Plan)); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	if f.searcher.totalCalls() != 0 {
		t.Fatalf("explain must not execute the plan")
	}
}
