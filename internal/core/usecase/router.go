package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/core/ports"
)

const defaultClassifyTimeout = 2 * time.Second

type RouterConfig struct {
	Sources         []string
	ClassifyTimeout time.Duration
	DefaultRepo     string
}

// IntentRouter turns a query into a RoutingDecision. It never fails: every
// internal error degrades to the UNKNOWN fallback decision.
type IntentRouter struct {
	classifier ports.IntentClassifier
	rules      []routeRule
	known      []string
	knownSet   map[string]struct{}
	timeout    time.Duration
	repo       string
	logger     *slog.Logger
}

func NewIntentRouter(classifier ports.IntentClassifier, cfg RouterConfig, logger *slog.Logger) *IntentRouter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = defaultClassifyTimeout
	}
	known := normalizeSources(cfg.Sources)
	knownSet := make(map[string]struct{}, len(known))
	for _, s := range known {
		knownSet[s] = struct{}{}
	}

	rules := defaultRouteRules()
	if _, ok := knownSet[githubSource]; !ok {
		rules = nil
	}

	return &IntentRouter{
		classifier: classifier,
		rules:      rules,
		known:      known,
		knownSet:   knownSet,
		timeout:    cfg.ClassifyTimeout,
		repo:       strings.TrimSpace(cfg.DefaultRepo),
		logger:     logger,
	}
}

// KnownSources returns the sorted set of sources the router may emit.
func (r *IntentRouter) KnownSources() []string {
	return append([]string(nil), r.known...)
}

func (r *IntentRouter) Route(ctx context.Context, query domain.Query) domain.RoutingDecision {
	text := strings.TrimSpace(query.Text)

	ruled, advisory, matched := r.matchRules(text)
	if matched && !advisory {
		r.logger.Debug("route_rule_match", "query_id", query.ID, "rule", ruled.Rule)
		return r.finalize(ruled, query)
	}

	decision, err := r.classify(ctx, text)
	if err != nil {
		if matched {
			r.logger.Warn("route_fallback", "query_id", query.ID, "rule", ruled.Rule, "error", err)
			return r.finalize(ruled, query)
		}
		r.logger.Warn("route_fallback", "query_id", query.ID, "error", err)
		decision = r.fallback(text)
	}
	return r.finalize(decision, query)
}

func (r *IntentRouter) matchRules(text string) (decision domain.RoutingDecision, advisory, ok bool) {
	for _, rule := range r.rules {
		entities, ok := rule.apply(text)
		if !ok {
			continue
		}
		return domain.RoutingDecision{
			Query:      text,
			Intent:     rule.intent,
			Sources:    []string{githubSource},
			Mode:       domain.ModeMetadataOnly,
			Entities:   entities,
			Confidence: rule.confidence,
			Origin:     domain.OriginRule,
			Rule:       rule.name,
		}, rule.advisory, true
	}
	return domain.RoutingDecision{}, false, false
}

type classifyResult struct {
	raw string
	err error
}

func (r *IntentRouter) classify(ctx context.Context, text string) (domain.RoutingDecision, error) {
	if r.classifier == nil {
		return domain.RoutingDecision{}, domain.WrapError(domain.ErrClassification, "classify", fmt.Errorf("classifier is not configured"))
	}
	if text == "" {
		return domain.RoutingDecision{}, domain.WrapError(domain.ErrClassification, "classify", fmt.Errorf("empty query"))
	}

	classifyCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan classifyResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- classifyResult{err: fmt.Errorf("classifier panic: %v", p)}
			}
		}()
		raw, err := r.classifier.ClassifyIntent(classifyCtx, text, r.KnownSources())
		done <- classifyResult{raw: raw, err: err}
	}()

	var res classifyResult
	select {
	case res = <-done:
	case <-classifyCtx.Done():
		return domain.RoutingDecision{}, domain.WrapError(domain.ErrClassification, "classify", classifyCtx.Err())
	}
	if res.err != nil {
		return domain.RoutingDecision{}, domain.WrapError(domain.ErrClassification, "classify", res.err)
	}

	decision, err := r.parseDecision(res.raw)
	if err != nil {
		return domain.RoutingDecision{}, domain.WrapError(domain.ErrClassification, "parse classification", err)
	}
	decision.Query = text
	return decision, nil
}

type classifierPayload struct {
	Intent     string         `json:"intent"`
	Sources    []string       `json:"sources"`
	Mode       string         `json:"retrieval_mode"`
	Entities   map[string]any `json:"extracted_entities"`
	Confidence *float64       `json:"confidence"`
}

func (r *IntentRouter) parseDecision(raw string) (domain.RoutingDecision, error) {
	var payload classifierPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		return domain.RoutingDecision{}, fmt.Errorf("decode json: %w", err)
	}

	intent := domain.Intent(strings.ToUpper(strings.TrimSpace(payload.Intent)))
	if !intent.Valid() {
		return domain.RoutingDecision{}, fmt.Errorf("unknown intent %q", payload.Intent)
	}
	if payload.Confidence == nil {
		return domain.RoutingDecision{}, fmt.Errorf("confidence is required")
	}
	confidence := *payload.Confidence
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return domain.RoutingDecision{}, fmt.Errorf("confidence %v out of range", confidence)
	}

	sources := normalizeSources(payload.Sources)
	if len(sources) == 0 {
		return domain.RoutingDecision{}, fmt.Errorf("sources must not be empty")
	}
	for _, s := range sources {
		if _, ok := r.knownSet[s]; !ok {
			return domain.RoutingDecision{}, fmt.Errorf("unknown source %q", s)
		}
	}

	mode := domain.RetrievalMode(strings.ToLower(strings.TrimSpace(payload.Mode)))
	if mode == "" {
		mode = domain.ModeHybrid
	}
	if !mode.Valid() {
		return domain.RoutingDecision{}, fmt.Errorf("unknown retrieval mode %q", payload.Mode)
	}

	return domain.RoutingDecision{
		Intent:     intent,
		Sources:    sources,
		Mode:       mode,
		Entities:   normalizeEntities(payload.Entities),
		Confidence: confidence,
		Origin:     domain.OriginClassifier,
	}, nil
}

func (r *IntentRouter) fallback(text string) domain.RoutingDecision {
	return domain.RoutingDecision{
		Query:      text,
		Intent:     domain.IntentUnknown,
		Sources:    r.KnownSources(),
		Mode:       domain.ModeHybrid,
		Entities:   map[string]string{},
		Confidence: 0,
		Origin:     domain.OriginFallback,
	}
}

func (r *IntentRouter) finalize(decision domain.RoutingDecision, query domain.Query) domain.RoutingDecision {
	entities := make(map[string]string, len(decision.Entities)+1)
	for k, v := range decision.Entities {
		entities[k] = v
	}
	if decision.Intent == domain.IntentGitHubStatus && entities[domain.EntityRepo] == "" && r.repo != "" {
		entities[domain.EntityRepo] = r.repo
	}
	decision.Entities = entities

	if hinted := r.intersectKnown(query.Hints.Sources, decision.Sources); len(hinted) > 0 {
		decision.Sources = hinted
	}
	if decision.Origin == domain.OriginClassifier && query.Hints.Mode.Valid() {
		decision.Mode = query.Hints.Mode
	}
	if len(decision.Sources) == 0 {
		decision.Sources = r.KnownSources()
	}
	return decision
}

func (r *IntentRouter) intersectKnown(hints, sources []string) []string {
	if len(hints) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(hints))
	for _, h := range normalizeSources(hints) {
		wanted[h] = struct{}{}
	}
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		if _, ok := wanted[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func normalizeSources(sources []string) []string {
	seen := make(map[string]struct{}, len(sources))
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func normalizeEntities(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		var value string
		switch typed := v.(type) {
		case string:
			value = strings.TrimSpace(typed)
		case float64:
			value = strconv.FormatFloat(typed, 'f', -1, 64)
		default:
			continue
		}
		if value != "" {
			out[key] = value
		}
	}
	return out
}
