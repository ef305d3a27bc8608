package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

func partialResult() *domain.AggregatedResult {
	return &domain.AggregatedResult{
		Intent:           domain.IntentSynthesis,
		EvidenceComplete: false,
		Conflicts:        []string{"doc-1"},
		Outcomes: []domain.SourceOutcome{
			{PlanID: "docs/vector", Source: "docs", IndexKind: domain.IndexVector, Status: domain.OutcomeOK},
			{PlanID: "slack/vector", Source: "slack", IndexKind: domain.IndexVector, Status: domain.OutcomeTimeout},
		},
	}
}

func TestRecordRetrievalCountsOutcomes(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	m.RecordRetrieval("api", "/v1/retrieve", partialResult(), 120*time.Millisecond)

	if got := testutil.ToFloat64(m.retrieval.requestsTotal.WithLabelValues("api", "/v1/retrieve", "SYNTHESIS")); got != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
	if got := testutil.ToFloat64(m.retrieval.outcomesTotal.WithLabelValues("api", "slack", "vector", "timeout")); got != 1 {
		t.Fatalf("expected 1 timeout outcome, got %v", got)
	}
	if got := testutil.ToFloat64(m.retrieval.incompleteTotal.WithLabelValues("api", "/v1/retrieve")); got != 1 {
		t.Fatalf("expected incomplete evidence counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.retrieval.noEvidenceTotal.WithLabelValues("api", "/v1/retrieve")); got != 1 {
		t.Fatalf("expected no-evidence counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.retrieval.conflictsTotal.WithLabelValues("api")); got != 1 {
		t.Fatalf("expected one conflict, got %v", got)
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	handler := m.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := testutil.ToFloat64(m.requestTotal.WithLabelValues("api", http.MethodGet, "/healthz", "418")); got != 1 {
		t.Fatalf("expected one 418 request, got %v", got)
	}

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(scrape.Body.String(), "evr_http_requests_total") {
		t.Fatalf("expected http metrics in scrape output")
	}
}

func TestWorkerMetricsFinishQuery(t *testing.T) {
	m := NewWorkerMetrics("worker")
	m.StartQuery()
	m.FinishQuery("worker", nil, time.Second, errors.New("boom"))
	m.ObserveQueueLag("worker", -time.Second)

	if got := testutil.ToFloat64(m.processTotal.WithLabelValues("worker", "error")); got != 1 {
		t.Fatalf("expected one failed query, got %v", got)
	}
	if got := testutil.ToFloat64(m.processInFlight); got != 0 {
		t.Fatalf("expected in-flight gauge back at 0, got %v", got)
	}
}
