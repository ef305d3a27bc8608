package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/core/ports"
)

func newTestExecutor(embedder *embedderFake, searcher *searcherFake, registry *registryFake, cfg ExecutorConfig) *Executor {
	var reg ports.MetadataRegistry
	if registry != nil {
		reg = registry
	}
	return NewExecutor(embedder, searcher, searcher, reg, cfg, nil)
}

func outcomeStatuses(report domain.ExecutionReport) map[string]domain.OutcomeStatus {
	out := make(map[string]domain.OutcomeStatus, len(report.Outcomes))
	for _, o := range report.Outcomes {
		out[o.PlanID] = o.Status
	}
	return out
}

func vectorPlan(source, text string) domain.SourcePlan {
	return domain.SourcePlan{ID: source + "/vector", Source: source, IndexKind: domain.IndexVector, TopK: 5, QueryText: text}
}

func TestExecuteParallelIsolatesFailuresAndTimeouts(t *testing.T) {
	searcher := newSearcherFake()
	searcher.records["docs"] = []domain.ScoredRecord{{ChunkID: "d1", Score: 0.9, Text: "docs chunk"}}
	searcher.errs["github"] = errors.New("index offline")
	searcher.delays["slack"] = 2 * time.Second
	searcher.records["slack"] = []domain.ScoredRecord{{ChunkID: "s1", Score: 0.7, Text: "late"}}

	executor := newTestExecutor(&embedderFake{}, searcher, &registryFake{}, ExecutorConfig{})
	plan := domain.RetrievalPlan{
		Sources: []domain.SourcePlan{
			vectorPlan("docs", "payment retry"),
			vectorPlan("github", "payment retry"),
			vectorPlan("slack", "payment retry"),
		},
		ExecutionMode: domain.ExecutionParallel,
		Deadline:      80 * time.Millisecond,
	}

	started := time.Now()
	report := executor.Execute(context.Background(), plan)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("execute ignored deadline: %s", elapsed)
	}

	want := map[string]domain.OutcomeStatus{
		"docs/vector":   domain.OutcomeOK,
		"github/vector": domain.OutcomeFailed,
		"slack/vector":  domain.OutcomeTimeout,
	}
	if diff := cmp.Diff(want, outcomeStatuses(report)); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if len(report.Hits) != 1 || report.Hits[0].ChunkID != "d1" {
		t.Fatalf("expected only docs hit, got %+v", report.Hits)
	}
	if report.Hits[0].Modality != domain.ModalitySemantic {
		t.Fatalf("expected semantic modality, got %s", report.Hits[0].Modality)
	}
}

func TestExecuteSharesEmbeddingAcrossVectorPlans(t *testing.T) {
	embedder := &embedderFake{delay: 10 * time.Millisecond}
	searcher := newSearcherFake()
	executor := newTestExecutor(embedder, searcher, nil, ExecutorConfig{})

	report := executor.Execute(context.Background(), domain.RetrievalPlan{
		Sources: []domain.SourcePlan{
			vectorPlan("docs", "same text"),
			vectorPlan("github", "same text"),
			vectorPlan("slack", "same text"),
		},
		ExecutionMode: domain.ExecutionParallel,
		Deadline:      time.Second,
	})

	if calls := embedder.calls.Load(); calls != 1 {
		t.Fatalf("expected a single embedding call, got %d", calls)
	}
	for id, status := range outcomeStatuses(report) {
		if status != domain.OutcomeEmpty {
			t.Fatalf("expected empty outcome for %s, got %s", id, status)
		}
	}
}

func TestExecuteEmbeddingFailureMarksVectorPlansFailed(t *testing.T) {
	executor := newTestExecutor(&embedderFake{err: errors.New("model down")}, newSearcherFake(), nil, ExecutorConfig{})

	report := executor.Execute(context.Background(), domain.RetrievalPlan{
		Sources:  []domain.SourcePlan{vectorPlan("docs", "q")},
		Deadline: time.Second,
	})

	if report.Outcomes[0].Status != domain.OutcomeFailed || report.Outcomes[0].Error == "" {
		t.Fatalf("expected failed outcome with error, got %+v", report.Outcomes[0])
	}
}

func TestExecuteSequentialShortCircuitsOnLiveRecord(t *testing.T) {
	embedder := &embedderFake{}
	searcher := newSearcherFake()
	registry := &registryFake{records: map[string]*domain.AuthoritativeRecord{
		"acme/api#482": {
			EntityID:  "acme/api#482",
			Kind:      "issue",
			Status:    "closed",
			Title:     "Payment retries loop forever",
			Source:    "github",
			ChunkIDs:  []string{"gh-482-1"},
			UpdatedAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
		},
	}}
	executor := newTestExecutor(embedder, searcher, registry, ExecutorConfig{})

	hints := map[string]string{domain.EntityIssueNumber: "482", domain.EntityRepo: "acme/api"}
	report := executor.Execute(context.Background(), domain.RetrievalPlan{
		Sources: []domain.SourcePlan{
			{ID: "github/metadata", Source: "github", IndexKind: domain.IndexMetadata, TopK: 1, EntityHints: hints},
			{ID: "github/lexical", Source: "github", IndexKind: domain.IndexLexical, TopK: 3, QueryText: "issue 482"},
		},
		ExecutionMode: domain.ExecutionSequential,
		Deadline:      time.Second,
	})

	want := map[string]domain.OutcomeStatus{
		"github/metadata": domain.OutcomeOK,
		"github/lexical":  domain.OutcomeSkipped,
	}
	if diff := cmp.Diff(want, outcomeStatuses(report)); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if searcher.totalCalls() != 0 || embedder.calls.Load() != 0 {
		t.Fatalf("expected no index calls, got search=%d embed=%d", searcher.totalCalls(), embedder.calls.Load())
	}

	hit := report.Hits[0]
	if hit.Modality != domain.ModalityAuthoritative || hit.RecordStatus != "closed" {
		t.Fatalf("unexpected authoritative hit: %+v", hit)
	}
	if diff := cmp.Diff([]string{"gh-482-1"}, hit.SupersedesChunks); diff != "" {
		t.Fatalf("supersedes mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteMetadataNotFoundIsEmptyAndContinues(t *testing.T) {
	searcher := newSearcherFake()
	searcher.records["github"] = []domain.ScoredRecord{{ChunkID: "gh-1", Score: 2.1, Text: "retry bug"}}
	registry := &registryFake{}
	executor := newTestExecutor(&embedderFake{}, searcher, registry, ExecutorConfig{})

	report := executor.Execute(context.Background(), domain.RetrievalPlan{
		Sources: []domain.SourcePlan{
			{ID: "github/metadata", Source: "github", IndexKind: domain.IndexMetadata, TopK: 1,
				EntityHints: map[string]string{domain.EntityIssueNumber: "#7"}},
			{ID: "github/lexical", Source: "github", IndexKind: domain.IndexLexical, TopK: 3, QueryText: "retry bug"},
		},
		ExecutionMode: domain.ExecutionSequential,
		Deadline:      time.Second,
	})

	want := map[string]domain.OutcomeStatus{
		"github/metadata": domain.OutcomeEmpty,
		"github/lexical":  domain.OutcomeOK,
	}
	if diff := cmp.Diff(want, outcomeStatuses(report)); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if registry.lastKey.EntityID != "#7" {
		t.Fatalf("expected lookup by #7, got %+v", registry.lastKey)
	}
}

func TestExecuteMetadataWithoutEntitiesSkipsRegistry(t *testing.T) {
	registry := &registryFake{}
	executor := newTestExecutor(&embedderFake{}, newSearcherFake(), registry, ExecutorConfig{})

	report := executor.Execute(context.Background(), domain.RetrievalPlan{
		Sources:       []domain.SourcePlan{{ID: "github/metadata", Source: "github", IndexKind: domain.IndexMetadata, TopK: 1}},
		ExecutionMode: domain.ExecutionSequential,
	})

	if report.Outcomes[0].Status != domain.OutcomeEmpty {
		t.Fatalf("expected empty outcome, got %s", report.Outcomes[0].Status)
	}
	if registry.calls.Load() != 0 {
		t.Fatalf("registry must not be called without a key")
	}
}

func TestExecuteLexicalTokenizesQuery(t *testing.T) {
	searcher := newSearcherFake()
	executor := newTestExecutor(&embedderFake{}, searcher, nil, ExecutorConfig{
		Sources: []domain.Source{{Name: "docs", LexicalIndex: "docs_bm25"}},
	})

	executor.Execute(context.Background(), domain.RetrievalPlan{
		Sources: []domain.SourcePlan{{ID: "docs/lexical", Source: "docs", IndexKind: domain.IndexLexical, TopK: 5, QueryText: "Payment-Retry bug! payment"}},
	})

	if diff := cmp.Diff([]string{"payment", "retry", "bug"}, searcher.lastTokens); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if searcher.callCount("docs_bm25") != 1 {
		t.Fatalf("expected search against configured lexical index")
	}
}

func TestExecuteMapsRecordMetadata(t *testing.T) {
	searcher := newSearcherFake()
	searcher.records["docs"] = []domain.ScoredRecord{{
		ChunkID: "d1",
		Score:   0.8,
		Text:    "getUserProfile returns 404",
		Metadata: map[string]string{
			domain.MetaURI:          "https://docs.example.com/users",
			domain.MetaLastModified: "2026-08-01T10:00:00Z",
			domain.MetaAuthor:       "docs-team",
			domain.MetaEntityID:     "acme/api#12",
		},
	}}
	executor := newTestExecutor(&embedderFake{}, searcher, nil, ExecutorConfig{})

	report := executor.Execute(context.Background(), domain.RetrievalPlan{
		Sources: []domain.SourcePlan{vectorPlan("docs", "getUserProfile")},
	})

	want := domain.Chunk{
		ID:           "d1",
		Text:         "getUserProfile returns 404",
		Source:       "docs",
		URI:          "https://docs.example.com/users",
		LastModified: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Author:       "docs-team",
		EntityID:     "acme/api#12",
	}
	if diff := cmp.Diff(want, report.Hits[0].Chunk); diff != "" {
		t.Fatalf("chunk mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteHonorsCallerCancellation(t *testing.T) {
	searcher := newSearcherFake()
	searcher.delays["docs"] = 2 * time.Second
	executor := newTestExecutor(&embedderFake{}, searcher, nil, ExecutorConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	report := executor.Execute(ctx, domain.RetrievalPlan{
		Sources:  []domain.SourcePlan{vectorPlan("docs", "q")},
		Deadline: 5 * time.Second,
	})

	if report.Outcomes[0].Status != domain.OutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %s", report.Outcomes[0].Status)
	}
}

func TestLookupKeyFromEntities(t *testing.T) {
	tests := []struct {
		name     string
		entities map[string]string
		want     domain.LookupKey
	}{
		{name: "issue with repo", entities: map[string]string{domain.EntityIssueNumber: "482", domain.EntityRepo: "acme/api"}, want: domain.LookupKey{EntityID: "acme/api#482"}},
		{name: "issue without repo", entities: map[string]string{domain.EntityIssueNumber: "#5"}, want: domain.LookupKey{EntityID: "#5"}},
		{name: "entity id", entities: map[string]string{domain.EntityEntityID: "adr-12"}, want: domain.LookupKey{EntityID: "adr-12"}},
		{name: "chunk id", entities: map[string]string{domain.EntityChunkID: "c-9"}, want: domain.LookupKey{ChunkID: "c-9"}},
		{name: "nothing", entities: map[string]string{domain.EntityFunctionName: "f"}, want: domain.LookupKey{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LookupKeyFromEntities(tt.entities); got != tt.want {
				t.Fatalf("LookupKeyFromEntities() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
