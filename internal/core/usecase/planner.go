package usecase

import (
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

// FallbackTemplate names the plan produced when no rule covers a decision.
const FallbackTemplate = "fallback_synthesis"

type PlannerConfig struct {
	Sources            []string
	HighConfidence     float64
	GitHubFallbackTopK int
	DocsTopKHigh       int
	DocsTopKLow        int
	SynthesisTopK      int
	ConservativeTopK   int
	Deadline           time.Duration
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		HighConfidence:     0.8,
		GitHubFallbackTopK: 3,
		DocsTopKHigh:       5,
		DocsTopKLow:        10,
		SynthesisTopK:      8,
		ConservativeTopK:   3,
		Deadline:           3 * time.Second,
	}
}

func (c PlannerConfig) normalize() PlannerConfig {
	out := c
	def := DefaultPlannerConfig()
	if out.HighConfidence <= 0 || out.HighConfidence > 1 {
		out.HighConfidence = def.HighConfidence
	}
	if out.GitHubFallbackTopK <= 0 {
		out.GitHubFallbackTopK = def.GitHubFallbackTopK
	}
	if out.DocsTopKHigh <= 0 {
		out.DocsTopKHigh = def.DocsTopKHigh
	}
	if out.DocsTopKLow < out.DocsTopKHigh {
		out.DocsTopKLow = max(def.DocsTopKLow, out.DocsTopKHigh)
	}
	if out.SynthesisTopK <= 0 {
		out.SynthesisTopK = def.SynthesisTopK
	}
	if out.ConservativeTopK <= 0 {
		out.ConservativeTopK = def.ConservativeTopK
	}
	if out.Deadline <= 0 {
		out.Deadline = def.Deadline
	}
	return out
}

// Planner maps a routing decision to a retrieval plan. Plan is a pure
// function of its input and the planner's immutable rule table.
type Planner struct {
	cfg      PlannerConfig
	known    []string
	knownSet map[string]struct{}
	rules    []planRule
	fallback planTemplate
}

func NewPlanner(cfg PlannerConfig) *Planner {
	cfg = cfg.normalize()
	known := normalizeSources(cfg.Sources)
	knownSet := make(map[string]struct{}, len(known))
	for _, s := range known {
		knownSet[s] = struct{}{}
	}
	return &Planner{
		cfg:      cfg,
		known:    known,
		knownSet: knownSet,
		rules:    buildPlanRules(cfg),
		fallback: fallbackTemplate(cfg),
	}
}

// Rules exposes the rule table for inspection.
func (p *Planner) Rules() []PlanRuleView {
	out := make([]PlanRuleView, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r.view())
	}
	return out
}

func (p *Planner) Plan(decision domain.RoutingDecision) domain.RetrievalPlan {
	template := p.fallback
	band := p.band(decision.Confidence)
	for _, rule := range p.rules {
		if rule.matches(decision.Intent, band) {
			template = rule.template
			break
		}
	}
	return p.build(template, decision)
}

func (p *Planner) band(confidence float64) confidenceBand {
	if confidence >= p.cfg.HighConfidence {
		return bandHigh
	}
	return bandLow
}

func (p *Planner) build(t planTemplate, decision domain.RoutingDecision) domain.RetrievalPlan {
	sources := p.scopeSources(t.scope, decision.Sources)
	steps := t.stepsFor(decision.Mode)

	plans := make([]domain.SourcePlan, 0, len(sources)*len(steps))
	aggregate := 0
	for _, source := range sources {
		chunkTopK := 0
		for _, step := range steps {
			plans = append(plans, domain.SourcePlan{
				ID:          source + "/" + string(step.kind),
				Source:      source,
				IndexKind:   step.kind,
				TopK:        step.topK,
				QueryText:   queryTextFor(step.kind, decision, t.expand),
				EntityHints: copyEntities(decision.Entities),
			})
			if step.kind == domain.IndexMetadata {
				aggregate += step.topK
				continue
			}
			chunkTopK = max(chunkTopK, step.topK)
		}
		aggregate += chunkTopK
	}

	return domain.RetrievalPlan{
		Intent:        decision.Intent,
		Template:      t.name,
		Sources:       plans,
		ExecutionMode: t.execution,
		Deadline:      p.cfg.Deadline,
		TopK:          aggregate,
	}
}

func (p *Planner) scopeSources(scope sourceScope, decided []string) []string {
	switch scope {
	case scopeGitHub:
		if _, ok := p.knownSet[githubSource]; ok {
			return []string{githubSource}
		}
		return p.filterKnown(decided)
	case scopeAll:
		return append([]string(nil), p.known...)
	case scopeDecisionOrAll:
		if filtered := p.filterKnown(decided); len(filtered) > 0 {
			return filtered
		}
		return append([]string(nil), p.known...)
	default:
		return p.filterKnown(decided)
	}
}

func (p *Planner) filterKnown(sources []string) []string {
	out := make([]string, 0, len(sources))
	for _, s := range normalizeSources(sources) {
		if _, ok := p.knownSet[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// queryTextFor rewrites the query for one index kind. Entities are never
// dropped: values missing from the query are appended as keyword cues, and
// expanded vector queries get a templated paraphrase.
func queryTextFor(kind domain.IndexKind, decision domain.RoutingDecision, expand bool) string {
	query := strings.TrimSpace(decision.Query)
	keys := sortedKeys(decision.Entities)
	if kind == domain.IndexMetadata || len(keys) == 0 {
		return query
	}

	if kind == domain.IndexVector && expand {
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, strings.ReplaceAll(k, "_", " ")+" "+decision.Entities[k])
		}
		return query + "\nRelated to: " + strings.Join(parts, "; ")
	}

	var b strings.Builder
	b.WriteString(query)
	for _, k := range keys {
		v := decision.Entities[k]
		if containsFold(query, v) {
			continue
		}
		b.WriteString(" ")
		b.WriteString(v)
	}
	return strings.TrimSpace(b.String())
}

func copyEntities(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
