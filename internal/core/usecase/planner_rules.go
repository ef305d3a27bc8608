package usecase

import "github.com/kirillkom/evidence-router/internal/core/domain"

type confidenceBand string

const (
	bandHigh confidenceBand = "high"
	bandLow  confidenceBand = "low"
	bandAny  confidenceBand = "any"
)

type sourceScope string

const (
	scopeDecision      sourceScope = "decision"
	scopeDecisionOrAll sourceScope = "decision_or_all"
	scopeGitHub        sourceScope = "github"
	scopeAll           sourceScope = "all"
)

// metadataTopK is fixed because a registry lookup yields at most one record.
const metadataTopK = 1

type planStep struct {
	kind domain.IndexKind
	topK int
}

// planTemplate describes the shape of a plan. When modeKinds is set the
// decision's retrieval mode may add index kinds after steps, each with
// modeTopK. A mode never removes a step.
type planTemplate struct {
	name      string
	scope     sourceScope
	modeKinds bool
	modeTopK  int
	steps     []planStep
	execution domain.ExecutionMode
	expand    bool
}

type planRule struct {
	intent   domain.Intent
	band     confidenceBand
	template planTemplate
}

func (r planRule) matches(intent domain.Intent, band confidenceBand) bool {
	return r.intent == intent && (r.band == bandAny || r.band == band)
}

// PlanRuleView is the read-only form of a planner rule.
type PlanRuleView struct {
	Intent    domain.Intent        `json:"intent"`
	Band      string               `json:"band"`
	Template  string               `json:"template"`
	Scope     string               `json:"scope"`
	Execution domain.ExecutionMode `json:"execution_mode"`
	Expand    bool                 `json:"expand"`
}

func (r planRule) view() PlanRuleView {
	return PlanRuleView{
		Intent:    r.intent,
		Band:      string(r.band),
		Template:  r.template.name,
		Scope:     string(r.template.scope),
		Execution: r.template.execution,
		Expand:    r.template.expand,
	}
}

func buildPlanRules(cfg PlannerConfig) []planRule {
	return []planRule{
		{
			intent: domain.IntentGitHubStatus,
			band:   bandHigh,
			template: planTemplate{
				name:      "github_status_direct",
				scope:     scopeGitHub,
				steps:     []planStep{{kind: domain.IndexMetadata, topK: metadataTopK}},
				execution: domain.ExecutionSequential,
			},
		},
		{
			intent: domain.IntentGitHubStatus,
			band:   bandLow,
			template: planTemplate{
				name:  "github_status_with_fallback",
				scope: scopeGitHub,
				steps: []planStep{
					{kind: domain.IndexMetadata, topK: metadataTopK},
					{kind: domain.IndexLexical, topK: cfg.GitHubFallbackTopK},
				},
				execution: domain.ExecutionSequential,
			},
		},
		{
			intent: domain.IntentDocsLookup,
			band:   bandHigh,
			template: planTemplate{
				name:      "docs_focused",
				scope:     scopeDecisionOrAll,
				steps:     []planStep{{kind: domain.IndexVector, topK: cfg.DocsTopKHigh}},
				execution: domain.ExecutionParallel,
			},
		},
		{
			intent: domain.IntentDocsLookup,
			band:   bandLow,
			template: planTemplate{
				name:      "docs_hybrid",
				scope:     scopeDecisionOrAll,
				modeKinds: true,
				modeTopK:  cfg.DocsTopKLow,
				steps: []planStep{
					{kind: domain.IndexVector, topK: cfg.DocsTopKLow},
					{kind: domain.IndexLexical, topK: cfg.DocsTopKLow},
				},
				execution: domain.ExecutionParallel,
			},
		},
		{
			intent:   domain.IntentSynthesis,
			band:     bandAny,
			template: synthesisTemplate("synthesis_fanout", scopeDecisionOrAll, cfg.SynthesisTopK),
		},
		{
			intent:   domain.IntentUnknown,
			band:     bandAny,
			template: synthesisTemplate("unknown_conservative", scopeAll, cfg.ConservativeTopK),
		},
	}
}

func synthesisTemplate(name string, scope sourceScope, topK int) planTemplate {
	return planTemplate{
		name:  name,
		scope: scope,
		steps: []planStep{
			{kind: domain.IndexVector, topK: topK},
			{kind: domain.IndexLexical, topK: topK},
		},
		execution: domain.ExecutionParallel,
		expand:    true,
	}
}

// fallbackTemplate is the broadest plan: every known source, both chunk
// indices, synthesis-sized top_k.
func fallbackTemplate(cfg PlannerConfig) planTemplate {
	return synthesisTemplate(FallbackTemplate, scopeAll, cfg.SynthesisTopK)
}

func (t planTemplate) stepsFor(mode domain.RetrievalMode) []planStep {
	out := make([]planStep, 0, len(t.steps)+2)
	seen := make(map[domain.IndexKind]struct{}, 3)
	add := func(s planStep) {
		if _, ok := seen[s.kind]; ok {
			return
		}
		seen[s.kind] = struct{}{}
		out = append(out, s)
	}

	for _, s := range t.steps {
		add(s)
	}
	if t.modeKinds {
		for _, kind := range kindsForMode(mode) {
			topK := t.modeTopK
			if kind == domain.IndexMetadata {
				topK = metadataTopK
			}
			add(planStep{kind: kind, topK: topK})
		}
	}
	return out
}

func kindsForMode(mode domain.RetrievalMode) []domain.IndexKind {
	switch mode {
	case domain.ModeLexical:
		return []domain.IndexKind{domain.IndexLexical}
	case domain.ModeHybrid:
		return []domain.IndexKind{domain.IndexVector, domain.IndexLexical}
	case domain.ModeMetadataOnly:
		return []domain.IndexKind{domain.IndexMetadata}
	default:
		return []domain.IndexKind{domain.IndexVector}
	}
}
