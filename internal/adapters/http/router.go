package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/evidence-router/internal/config"
	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/core/ports"
	"github.com/kirillkom/evidence-router/internal/observability/metrics"
)

const (
	serviceName     = "api"
	maxRequestBytes = 64 << 10
	queryIDHeader   = "X-Query-Id"
)

// HealthReporter exposes circuit breaker states for /healthz.
type HealthReporter interface {
	BreakerStates() map[string]string
}

// QuerySubmitter hands a query to the asynchronous workers.
type QuerySubmitter interface {
	PublishQuery(ctx context.Context, query domain.Query) error
}

type Router struct {
	cfg     config.Config
	service ports.EvidenceService
	health  HealthReporter
	submit  QuerySubmitter
	metrics *metrics.HTTPServerMetrics
	logger  *slog.Logger
}

func NewRouter(
	cfg config.Config,
	service ports.EvidenceService,
	health HealthReporter,
	httpMetrics *metrics.HTTPServerMetrics,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:     cfg,
		service: service,
		health:  health,
		metrics: httpMetrics,
		logger:  logger,
	}
}

// WithSubmitter enables POST /v1/queries.
func (rt *Router) WithSubmitter(submitter QuerySubmitter) *Router {
	rt.submit = submitter
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/retrieve", rt.retrieve)
	api.HandleFunc("POST /v1/plan", rt.plan)
	if rt.submit != nil {
		api.HandleFunc("POST /v1/queries", rt.enqueue)
	}

	var guarded http.Handler = api
	guarded = authMiddleware(rt.cfg.APIKey, guarded)
	guarded = backpressureMiddleware(guarded, rt.cfg.APIMaxInFlight, 250*time.Millisecond)
	guarded = rateLimitMiddleware(guarded, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)

	root := http.NewServeMux()
	root.Handle("/v1/", guarded)
	root.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		root.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = root
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

type retrieveRequest struct {
	Query    string            `json:"query"`
	CallerID string            `json:"caller_id,omitempty"`
	Hints    domain.QueryHints `json:"hints"`
}

func (req retrieveRequest) toQuery(requestID string) (domain.Query, error) {
	if strings.TrimSpace(req.Query) == "" {
		return domain.Query{}, domain.WrapError(domain.ErrInvalidInput, "decode request", errors.New("query is required"))
	}
	if req.Hints.Mode != "" && !req.Hints.Mode.Valid() {
		return domain.Query{}, domain.WrapError(domain.ErrInvalidInput, "decode request", fmt.Errorf("unknown retrieval mode %q", req.Hints.Mode))
	}
	return domain.Query{
		ID:       requestID,
		Text:     req.Query,
		CallerID: req.CallerID,
		Hints:    req.Hints,
	}, nil
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	query, ok := rt.decodeQuery(w, r)
	if !ok {
		return
	}

	start := time.Now()
	result, err := rt.service.Retrieve(r.Context(), query)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRetrieval(serviceName, "/v1/retrieve", result, time.Since(start))
	}
	w.Header().Set(queryIDHeader, result.QueryID)
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) plan(w http.ResponseWriter, r *http.Request) {
	query, ok := rt.decodeQuery(w, r)
	if !ok {
		return
	}

	explanation, err := rt.service.Explain(r.Context(), query)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, explanation)
}

func (rt *Router) enqueue(w http.ResponseWriter, r *http.Request) {
	query, ok := rt.decodeQuery(w, r)
	if !ok {
		return
	}
	query.ReceivedAt = time.Now().UTC()

	if err := rt.submit.PublishQuery(r.Context(), query); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.Header().Set(queryIDHeader, query.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"query_id": query.ID, "status": "queued"})
}

func (rt *Router) decodeQuery(w http.ResponseWriter, r *http.Request) (domain.Query, bool) {
	var req retrieveRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return domain.Query{}, false
	}
	query, err := req.toQuery(requestIDFromContext(r.Context()))
	if err != nil {
		rt.writeError(w, r, err)
		return domain.Query{}, false
	}
	return query, true
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	var breakers map[string]string
	if rt.health != nil {
		breakers = rt.health.BreakerStates()
		for _, state := range breakers {
			if state == "open" {
				status = "degraded"
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "breakers": breakers})
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request_failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
