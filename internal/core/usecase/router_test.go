package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

const docsClassification = `{"intent":"DOCS_LOOKUP","sources":["docs"],"retrieval_mode":"semantic","extracted_entities":{"function_name":"getUserProfile"},"confidence":0.92}`

func newTestRouter(classifier *classifierFake, cfg RouterConfig) *IntentRouter {
	if cfg.Sources == nil {
		cfg.Sources = testSources
	}
	return NewIntentRouter(classifier, cfg, nil)
}

func TestRouteStatusQueryUsesRuleWithoutClassifier(t *testing.T) {
	classifier := &classifierFake{raw: docsClassification}
	router := newTestRouter(classifier, RouterConfig{})

	decision := router.Route(context.Background(), domain.Query{Text: "What is the status of issue #482?"})

	if decision.Intent != domain.IntentGitHubStatus {
		t.Fatalf("expected GITHUB_STATUS, got %s", decision.Intent)
	}
	if decision.Origin != domain.OriginRule {
		t.Fatalf("expected rule origin, got %s", decision.Origin)
	}
	if decision.Confidence < 0.95 {
		t.Fatalf("expected confidence >= 0.95, got %v", decision.Confidence)
	}
	if decision.Entities[domain.EntityIssueNumber] != "482" {
		t.Fatalf("expected issue_number=482, got %v", decision.Entities)
	}
	if diff := cmp.Diff([]string{"github"}, decision.Sources); diff != "" {
		t.Fatalf("sources mismatch (-want +got):\n%s", diff)
	}
	if calls := classifier.calls.Load(); calls != 0 {
		t.Fatalf("classifier must not be called, got %d calls", calls)
	}
}

func TestRouteRepoQualifiedReference(t *testing.T) {
	router := newTestRouter(&classifierFake{}, RouterConfig{})

	decision := router.Route(context.Background(), domain.Query{Text: "is acme/api#12 closed yet"})

	if decision.Rule != "repo_issue_with_status" {
		t.Fatalf("expected repo_issue_with_status rule, got %q", decision.Rule)
	}
	if decision.Entities[domain.EntityRepo] != "acme/api" || decision.Entities[domain.EntityIssueNumber] != "12" {
		t.Fatalf("unexpected entities: %v", decision.Entities)
	}
}

func TestRouteDefaultRepoAddedToGitHubDecisions(t *testing.T) {
	router := newTestRouter(&classifierFake{}, RouterConfig{DefaultRepo: "acme/api"})

	decision := router.Route(context.Background(), domain.Query{Text: "status of PR 77"})

	if decision.Entities[domain.EntityRepo] != "acme/api" {
		t.Fatalf("expected default repo entity, got %v", decision.Entities)
	}
	if decision.Entities[domain.EntityIssueNumber] != "77" {
		t.Fatalf("expected issue_number=77, got %v", decision.Entities)
	}
}

func TestRouteRulesDisabledWithoutGitHubSource(t *testing.T) {
	classifier := &classifierFake{raw: docsClassification}
	router := newTestRouter(classifier, RouterConfig{Sources: []string{"docs"}})

	decision := router.Route(context.Background(), domain.Query{Text: "status of issue #482"})

	if decision.Origin != domain.OriginClassifier {
		t.Fatalf("expected classifier origin, got %s", decision.Origin)
	}
	if classifier.calls.Load() != 1 {
		t.Fatalf("expected one classifier call, got %d", classifier.calls.Load())
	}
}

func TestRouteClassifierDecision(t *testing.T) {
	classifier := &classifierFake{raw: docsClassification}
	router := newTestRouter(classifier, RouterConfig{})

	decision := router.Route(context.Background(), domain.Query{Text: "How does getUserProfile handle missing users?"})

	want := domain.RoutingDecision{
		Query:      "How does getUserProfile handle missing users?",
		Intent:     domain.IntentDocsLookup,
		Sources:    []string{"docs"},
		Mode:       domain.ModeSemantic,
		Entities:   map[string]string{domain.EntityFunctionName: "getUserProfile"},
		Confidence: 0.92,
		Origin:     domain.OriginClassifier,
	}
	if diff := cmp.Diff(want, decision); diff != "" {
		t.Fatalf("decision mismatch (-want +got):\n%s", diff)
	}
}

func TestRouteFallsBackOnInvalidClassification(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{name: "not json", raw: "DOCS_LOOKUP please"},
		{name: "unknown intent", raw: `{"intent":"WEATHER","sources":["docs"],"retrieval_mode":"hybrid","confidence":0.7}`},
		{name: "confidence out of range", raw: `{"intent":"SYNTHESIS","sources":["docs"],"retrieval_mode":"hybrid","confidence":1.5}`},
		{name: "missing confidence", raw: `{"intent":"SYNTHESIS","sources":["docs"],"retrieval_mode":"hybrid"}`},
		{name: "unknown source", raw: `{"intent":"DOCS_LOOKUP","sources":["jira"],"retrieval_mode":"semantic","confidence":0.9}`},
		{name: "empty sources", raw: `{"intent":"DOCS_LOOKUP","sources":[],"retrieval_mode":"semantic","confidence":0.9}`},
		{name: "invalid mode", raw: `{"intent":"DOCS_LOOKUP","sources":["docs"],"retrieval_mode":"psychic","confidence":0.9}`},
		{name: "classifier error", err: errors.New("model unavailable")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&classifierFake{raw: tt.raw, err: tt.err}, RouterConfig{})

			decision := router.Route(context.Background(), domain.Query{Text: "tell me about deployments"})

			if decision.Intent != domain.IntentUnknown {
				t.Fatalf("expected UNKNOWN, got %s", decision.Intent)
			}
			if decision.Origin != domain.OriginFallback || decision.Confidence != 0 {
				t.Fatalf("expected fallback with zero confidence, got %s/%v", decision.Origin, decision.Confidence)
			}
			if decision.Mode != domain.ModeHybrid {
				t.Fatalf("expected hybrid mode, got %s", decision.Mode)
			}
			if diff := cmp.Diff(testSources, decision.Sources); diff != "" {
				t.Fatalf("sources mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRouteFallsBackOnClassifierTimeout(t *testing.T) {
	classifier := &classifierFake{raw: docsClassification, delay: 500 * time.Millisecond}
	router := newTestRouter(classifier, RouterConfig{ClassifyTimeout: 20 * time.Millisecond})

	started := time.Now()
	decision := router.Route(context.Background(), domain.Query{Text: "explain the deploy pipeline"})

	if elapsed := time.Since(started); elapsed > 300*time.Millisecond {
		t.Fatalf("route exceeded classification timeout: %s", elapsed)
	}
	if decision.Intent != domain.IntentUnknown {
		t.Fatalf("expected UNKNOWN after timeout, got %s", decision.Intent)
	}
}

func TestRouteHints(t *testing.T) {
	raw := `{"intent":"SYNTHESIS","sources":["docs","slack"],"retrieval_mode":"hybrid","confidence":0.7}`

	t.Run("sources narrow decision", func(t *testing.T) {
		router := newTestRouter(&classifierFake{raw: raw}, RouterConfig{})
		decision := router.Route(context.Background(), domain.Query{
			Text:  "summarize the outage",
			Hints: domain.QueryHints{Sources: []string{"Slack"}, Mode: domain.ModeLexical},
		})
		if diff := cmp.Diff([]string{"slack"}, decision.Sources); diff != "" {
			t.Fatalf("sources mismatch (-want +got):\n%s", diff)
		}
		if decision.Mode != domain.ModeLexical {
			t.Fatalf("expected hinted mode, got %s", decision.Mode)
		}
	})

	t.Run("disjoint hint ignored", func(t *testing.T) {
		router := newTestRouter(&classifierFake{raw: raw}, RouterConfig{})
		decision := router.Route(context.Background(), domain.Query{
			Text:  "summarize the outage",
			Hints: domain.QueryHints{Sources: []string{"jira"}},
		})
		if diff := cmp.Diff([]string{"docs", "slack"}, decision.Sources); diff != "" {
			t.Fatalf("sources mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRouteKeywordRuleDefersToClassifier(t *testing.T) {
	raw := `{"intent":"DOCS_LOOKUP","sources":["docs"],"retrieval_mode":"semantic","confidence":0.9}`
	classifier := &classifierFake{raw: raw}
	router := newTestRouter(classifier, RouterConfig{})

	decision := router.Route(context.Background(), domain.Query{Text: "how do I open issues from the docs"})

	if decision.Intent != domain.IntentDocsLookup || decision.Origin != domain.OriginClassifier {
		t.Fatalf("expected classifier DOCS_LOOKUP decision, got %s/%s", decision.Intent, decision.Origin)
	}
	if calls := classifier.calls.Load(); calls != 1 {
		t.Fatalf("expected classifier to be consulted once, got %d", calls)
	}
}

func TestRouteKeywordRuleReplacesFallbackWhenClassifierFails(t *testing.T) {
	classifier := &classifierFake{err: errors.New("model offline")}
	router := newTestRouter(classifier, RouterConfig{})

	decision := router.Route(context.Background(), domain.Query{Text: "which bugs are still open"})

	if decision.Intent != domain.IntentGitHubStatus || decision.Origin != domain.OriginRule {
		t.Fatalf("expected rule GITHUB_STATUS decision, got %s/%s", decision.Intent, decision.Origin)
	}
	if decision.Rule != "status_keywords" || decision.Confidence != 0.6 {
		t.Fatalf("expected status_keywords at 0.6, got %q at %v", decision.Rule, decision.Confidence)
	}
}
