package usecase

import (
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

type AggregatorConfig struct {
	WeightSemantic      float64
	WeightLexical       float64
	WeightAuthoritative float64
	// FreshnessEpsilon is the score distance under which the more recent
	// chunk wins.
	FreshnessEpsilon float64
}

func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		WeightSemantic:      1,
		WeightLexical:       1,
		WeightAuthoritative: 1,
		FreshnessEpsilon:    0.01,
	}
}

// Aggregator merges an ExecutionReport into a ranked AggregatedResult. The
// result depends only on the multiset of hits and outcomes, not on the order
// in which they arrived.
type Aggregator struct {
	cfg    AggregatorConfig
	logger *slog.Logger
}

func NewAggregator(cfg AggregatorConfig, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WeightSemantic < 0 {
		cfg.WeightSemantic = 0
	}
	if cfg.WeightLexical < 0 {
		cfg.WeightLexical = 0
	}
	if cfg.WeightAuthoritative < 0 {
		cfg.WeightAuthoritative = 0
	}
	if cfg.FreshnessEpsilon < 0 {
		cfg.FreshnessEpsilon = 0
	}
	return &Aggregator{cfg: cfg, logger: logger}
}

type candidate struct {
	chunk         domain.Chunk
	scores        map[domain.Modality]float64
	texts         map[string]struct{}
	entities      map[string]struct{}
	authoritative bool
	supersedes    []string
	supersededBy  string
}

func (a *Aggregator) Aggregate(report domain.ExecutionReport, plan domain.RetrievalPlan) domain.AggregatedResult {
	candidates := make(map[string]*candidate, len(report.Hits))
	for _, hit := range report.Hits {
		id := strings.TrimSpace(hit.ChunkID)
		if id == "" {
			continue
		}
		c, ok := candidates[id]
		if !ok {
			c = &candidate{
				chunk:    hit.Chunk,
				scores:   make(map[domain.Modality]float64, 3),
				texts:    make(map[string]struct{}, 1),
				entities: make(map[string]struct{}, 1),
			}
			c.chunk.ID = id
			candidates[id] = c
		} else if newerChunk(hit.Chunk, c.chunk) {
			c.chunk = hit.Chunk
			c.chunk.ID = id
		}
		c.texts[hit.Chunk.Text] = struct{}{}
		if entity := strings.TrimSpace(hit.Chunk.EntityID); entity != "" {
			c.entities[entity] = struct{}{}
		}
		if prev, seen := c.scores[hit.Modality]; !seen || hit.Score > prev {
			c.scores[hit.Modality] = hit.Score
		}
		if hit.Modality == domain.ModalityAuthoritative {
			c.authoritative = true
			c.supersedes = append(c.supersedes, hit.SupersedesChunks...)
		}
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	conflicts := make([]string, 0)
	for _, id := range ids {
		if len(candidates[id].texts) > 1 {
			conflicts = append(conflicts, id)
			a.logger.Warn("identity_mismatch", "chunk_id", id, "variants", len(candidates[id].texts))
		}
	}

	a.markSuperseded(ids, candidates)

	items := make([]domain.EvidenceItem, 0, len(ids))
	for _, id := range ids {
		c := candidates[id]
		items = append(items, domain.EvidenceItem{
			Chunk:         c.chunk,
			CombinedScore: a.combine(c.scores),
			Modalities:    modalitiesOf(c.scores),
			Authoritative: c.authoritative,
			Superseded:    c.supersededBy != "",
			SupersededBy:  c.supersededBy,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return a.less(items[i], items[j])
	})
	if plan.TopK > 0 && len(items) > plan.TopK {
		items = items[:plan.TopK]
	}

	complete, missing := completeness(report.Outcomes)
	result := domain.AggregatedResult{
		Intent:           plan.Intent,
		Items:            items,
		EvidenceComplete: complete,
		MissingSources:   missing,
		Outcomes:         append([]domain.SourceOutcome(nil), report.Outcomes...),
	}
	if len(conflicts) > 0 {
		result.Conflicts = conflicts
	}
	return result
}

// markSuperseded flags chunks an authoritative record points to, either by
// explicit chunk id or by any hit of the chunk carrying the record's entity
// id. Ids and entities are visited in sorted order so the chosen superseding
// record is deterministic.
func (a *Aggregator) markSuperseded(ids []string, candidates map[string]*candidate) {
	byEntity := make(map[string]string)
	for _, id := range ids {
		c := candidates[id]
		if !c.authoritative {
			continue
		}
		for _, target := range c.supersedes {
			t, ok := candidates[target]
			if !ok || t.authoritative || t.supersededBy != "" {
				continue
			}
			t.supersededBy = id
		}
		if c.chunk.EntityID != "" {
			if _, taken := byEntity[c.chunk.EntityID]; !taken {
				byEntity[c.chunk.EntityID] = id
			}
		}
	}
	if len(byEntity) == 0 {
		return
	}
	for _, id := range ids {
		c := candidates[id]
		if c.authoritative || c.supersededBy != "" || len(c.entities) == 0 {
			continue
		}
		entities := make([]string, 0, len(c.entities))
		for entity := range c.entities {
			entities = append(entities, entity)
		}
		sort.Strings(entities)
		for _, entity := range entities {
			if by, ok := byEntity[entity]; ok {
				c.supersededBy = by
				break
			}
		}
	}
}

func (a *Aggregator) combine(scores map[domain.Modality]float64) float64 {
	total := 0.0
	for _, modality := range modalityOrder {
		if score, ok := scores[modality]; ok {
			total += a.weight(modality) * score
		}
	}
	return total
}

func (a *Aggregator) weight(m domain.Modality) float64 {
	switch m {
	case domain.ModalitySemantic:
		return a.cfg.WeightSemantic
	case domain.ModalityLexical:
		return a.cfg.WeightLexical
	case domain.ModalityAuthoritative:
		return a.cfg.WeightAuthoritative
	default:
		return 0
	}
}

// less orders authoritative items first, then by combined score. Scores
// within epsilon are decided by recency, and chunk id breaks remaining ties.
func (a *Aggregator) less(x, y domain.EvidenceItem) bool {
	if x.Authoritative != y.Authoritative {
		return x.Authoritative
	}
	diff := x.CombinedScore - y.CombinedScore
	if math.Abs(diff) > a.cfg.FreshnessEpsilon {
		return diff > 0
	}
	if !x.Chunk.LastModified.Equal(y.Chunk.LastModified) {
		return x.Chunk.LastModified.After(y.Chunk.LastModified)
	}
	if x.CombinedScore != y.CombinedScore {
		return x.CombinedScore > y.CombinedScore
	}
	return x.Chunk.ID < y.Chunk.ID
}

// newerChunk is a strict total order over chunk payloads sharing an id:
// recency, then text, then the payload carrying an entity id, then the
// remaining fields lexically.
func newerChunk(candidate, current domain.Chunk) bool {
	if !candidate.LastModified.Equal(current.LastModified) {
		return candidate.LastModified.After(current.LastModified)
	}
	if candidate.Text != current.Text {
		return candidate.Text < current.Text
	}
	if (candidate.EntityID != "") != (current.EntityID != "") {
		return candidate.EntityID != ""
	}
	for _, field := range [][2]string{
		{candidate.EntityID, current.EntityID},
		{candidate.Source, current.Source},
		{candidate.URI, current.URI},
		{candidate.Author, current.Author},
		{candidate.LastModified.Location().String(), current.LastModified.Location().String()},
	} {
		if field[0] != field[1] {
			return field[0] < field[1]
		}
	}
	return false
}

var modalityOrder = []domain.Modality{
	domain.ModalityAuthoritative,
	domain.ModalitySemantic,
	domain.ModalityLexical,
}

func modalitiesOf(scores map[domain.Modality]float64) []domain.Modality {
	out := make([]domain.Modality, 0, len(scores))
	for _, m := range modalityOrder {
		if _, ok := scores[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

func completeness(outcomes []domain.SourceOutcome) (bool, []string) {
	missing := make([]string, 0)
	for _, o := range outcomes {
		if o.Status == domain.OutcomeSkipped || o.Status.Responded() {
			continue
		}
		missing = append(missing, o.PlanID)
	}
	sort.Strings(missing)
	if len(missing) == 0 {
		return true, nil
	}
	return false, missing
}
