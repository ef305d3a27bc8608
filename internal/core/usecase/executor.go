package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/core/ports"
)

const (
	defaultMaxConcurrency = 8
	defaultPlanDeadline   = 3 * time.Second
)

type ExecutorConfig struct {
	Sources         []domain.Source
	SourceTimeout   time.Duration
	MaxConcurrency  int
	DefaultDeadline time.Duration
}

// Executor runs a RetrievalPlan against the index and registry adapters.
// It never returns an error: every per-source failure is recorded as a
// SourceOutcome and siblings keep running.
type Executor struct {
	embedder ports.Embedder
	vectors  ports.VectorSearcher
	lexical  ports.LexicalSearcher
	registry ports.MetadataRegistry
	sources  map[string]domain.Source
	cfg      ExecutorConfig
	logger   *slog.Logger
}

func NewExecutor(
	embedder ports.Embedder,
	vectors ports.VectorSearcher,
	lexical ports.LexicalSearcher,
	registry ports.MetadataRegistry,
	cfg ExecutorConfig,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = defaultPlanDeadline
	}
	sources := make(map[string]domain.Source, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[strings.ToLower(strings.TrimSpace(s.Name))] = s
	}
	return &Executor{
		embedder: embedder,
		vectors:  vectors,
		lexical:  lexical,
		registry: registry,
		sources:  sources,
		cfg:      cfg,
		logger:   logger,
	}
}

func (e *Executor) Execute(ctx context.Context, plan domain.RetrievalPlan) domain.ExecutionReport {
	deadline := plan.Deadline
	if deadline <= 0 {
		deadline = e.cfg.DefaultDeadline
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	emb := newQueryEmbedding(execCtx, e.embedder)
	if plan.ExecutionMode == domain.ExecutionSequential {
		return e.runSequential(execCtx, plan, emb)
	}
	return e.runParallel(execCtx, plan, emb)
}

type taskResult struct {
	index   int
	hits    []domain.RetrievalHit
	outcome domain.SourceOutcome
}

func (e *Executor) runParallel(ctx context.Context, plan domain.RetrievalPlan, emb *queryEmbedding) domain.ExecutionReport {
	n := len(plan.Sources)
	// Buffered to n so late tasks never block after the collector has left.
	results := make(chan taskResult, n)

	go func() {
		g := new(errgroup.Group)
		g.SetLimit(e.cfg.MaxConcurrency)
		for i, sp := range plan.Sources {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				hits, outcome := e.runTask(ctx, sp, emb)
				results <- taskResult{index: i, hits: hits, outcome: outcome}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	outcomes := make([]domain.SourceOutcome, n)
	hits := make([][]domain.RetrievalHit, n)
	done := make([]bool, n)
	record := func(res taskResult) {
		outcomes[res.index] = res.outcome
		hits[res.index] = res.hits
		done[res.index] = true
	}

	remaining := n
collect:
	for remaining > 0 {
		select {
		case res, ok := <-results:
			if !ok {
				break collect
			}
			record(res)
			remaining--
		case <-ctx.Done():
			break collect
		}
	}
drain:
	for remaining > 0 {
		select {
		case res, ok := <-results:
			if !ok {
				break drain
			}
			record(res)
			remaining--
		default:
			break drain
		}
	}

	for i, sp := range plan.Sources {
		if done[i] {
			continue
		}
		outcomes[i] = timeoutOutcome(sp, ctx.Err())
		e.logger.Warn("source_task_timeout", "plan_id", sp.ID, "source", sp.Source, "index_kind", sp.IndexKind)
	}
	return buildReport(hits, outcomes)
}

func (e *Executor) runSequential(ctx context.Context, plan domain.RetrievalPlan, emb *queryEmbedding) domain.ExecutionReport {
	n := len(plan.Sources)
	outcomes := make([]domain.SourceOutcome, n)
	hits := make([][]domain.RetrievalHit, n)

	stopped := false
	for i, sp := range plan.Sources {
		switch {
		case stopped:
			outcomes[i] = domain.SourceOutcome{
				PlanID:    sp.ID,
				Source:    sp.Source,
				IndexKind: sp.IndexKind,
				Status:    domain.OutcomeSkipped,
			}
			continue
		case ctx.Err() != nil:
			outcomes[i] = timeoutOutcome(sp, ctx.Err())
			continue
		}

		hits[i], outcomes[i] = e.runTask(ctx, sp, emb)
		if hasLiveAuthority(hits[i]) {
			stopped = true
			e.logger.Debug("execution_short_circuit", "plan_id", sp.ID, "remaining", n-i-1)
		}
	}
	return buildReport(hits, outcomes)
}

func (e *Executor) runTask(ctx context.Context, sp domain.SourcePlan, emb *queryEmbedding) (hits []domain.RetrievalHit, outcome domain.SourceOutcome) {
	started := time.Now()
	outcome = domain.SourceOutcome{PlanID: sp.ID, Source: sp.Source, IndexKind: sp.IndexKind}

	taskCtx := ctx
	if e.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, e.cfg.SourceTimeout)
		defer cancel()
	}

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("source task panic: %v", p)
			}
		}()
		hits, err = e.dispatch(taskCtx, sp, emb)
	}()
	outcome.Duration = time.Since(started)

	switch {
	case err == nil && len(hits) == 0:
		outcome.Status = domain.OutcomeEmpty
	case err == nil:
		outcome.Status = domain.OutcomeOK
		outcome.Hits = len(hits)
	case errors.Is(err, context.DeadlineExceeded) || taskCtx.Err() != nil:
		outcome.Status = domain.OutcomeTimeout
		outcome.Error = err.Error()
		hits = nil
		e.logger.Warn("source_task_timeout", "plan_id", sp.ID, "source", sp.Source, "index_kind", sp.IndexKind, "error", err)
	default:
		outcome.Status = domain.OutcomeFailed
		outcome.Error = domain.WrapError(domain.ErrSourceUnavailable, sp.ID, err).Error()
		hits = nil
		e.logger.Warn("source_task_failed", "plan_id", sp.ID, "source", sp.Source, "index_kind", sp.IndexKind, "error", err)
	}
	return hits, outcome
}

func (e *Executor) dispatch(ctx context.Context, sp domain.SourcePlan, emb *queryEmbedding) ([]domain.RetrievalHit, error) {
	source := e.source(sp.Source)
	switch sp.IndexKind {
	case domain.IndexVector:
		if e.vectors == nil {
			return nil, fmt.Errorf("vector searcher is not configured")
		}
		vector, err := emb.get(ctx, sp.QueryText)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		records, err := e.vectors.SearchVector(ctx, source.Namespace(), vector, sp.TopK)
		if err != nil {
			return nil, fmt.Errorf("search vector: %w", err)
		}
		return hitsFromRecords(records, domain.ModalitySemantic, sp), nil

	case domain.IndexLexical:
		if e.lexical == nil {
			return nil, fmt.Errorf("lexical searcher is not configured")
		}
		tokens := Tokenize(sp.QueryText)
		if len(tokens) == 0 {
			return nil, nil
		}
		records, err := e.lexical.SearchLexical(ctx, source.Index(), tokens, sp.TopK)
		if err != nil {
			return nil, fmt.Errorf("search lexical: %w", err)
		}
		return hitsFromRecords(records, domain.ModalityLexical, sp), nil

	case domain.IndexMetadata:
		if e.registry == nil {
			return nil, fmt.Errorf("metadata registry is not configured")
		}
		key := LookupKeyFromEntities(sp.EntityHints)
		if key.Empty() {
			return nil, nil
		}
		rec, err := e.registry.Lookup(ctx, key)
		if err != nil {
			if domain.IsKind(err, domain.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("registry lookup: %w", err)
		}
		if rec == nil {
			return nil, nil
		}
		return []domain.RetrievalHit{authoritativeHit(rec, sp)}, nil

	default:
		return nil, fmt.Errorf("unsupported index kind %q", sp.IndexKind)
	}
}

func (e *Executor) source(name string) domain.Source {
	if s, ok := e.sources[name]; ok {
		return s
	}
	return domain.Source{Name: name}
}

// LookupKeyFromEntities derives the registry key from extracted entities:
// issue number (qualified by repo when known), then entity_id, then chunk_id.
func LookupKeyFromEntities(entities map[string]string) domain.LookupKey {
	if n := strings.TrimPrefix(strings.TrimSpace(entities[domain.EntityIssueNumber]), "#"); n != "" {
		return domain.LookupKey{EntityID: domain.IssueEntityID(strings.TrimSpace(entities[domain.EntityRepo]), n)}
	}
	if id := strings.TrimSpace(entities[domain.EntityEntityID]); id != "" {
		return domain.LookupKey{EntityID: id}
	}
	if id := strings.TrimSpace(entities[domain.EntityChunkID]); id != "" {
		return domain.LookupKey{ChunkID: id}
	}
	return domain.LookupKey{}
}

func hitsFromRecords(records []domain.ScoredRecord, modality domain.Modality, sp domain.SourcePlan) []domain.RetrievalHit {
	hits := make([]domain.RetrievalHit, 0, len(records))
	for _, rec := range records {
		if strings.TrimSpace(rec.ChunkID) == "" {
			continue
		}
		chunk := chunkFromRecord(rec, sp.Source)
		hits = append(hits, domain.RetrievalHit{
			ChunkID:  chunk.ID,
			Score:    rec.Score,
			Modality: modality,
			Source:   sp.Source,
			PlanID:   sp.ID,
			Chunk:    chunk,
		})
	}
	return hits
}

func chunkFromRecord(rec domain.ScoredRecord, source string) domain.Chunk {
	meta := rec.Metadata
	if s := meta[domain.MetaSource]; s != "" {
		source = s
	}
	return domain.Chunk{
		ID:           rec.ChunkID,
		Text:         rec.Text,
		Source:       source,
		URI:          meta[domain.MetaURI],
		LastModified: parseTimestamp(meta[domain.MetaLastModified]),
		Author:       meta[domain.MetaAuthor],
		EntityID:     meta[domain.MetaEntityID],
	}
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.DateOnly} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func authoritativeHit(rec *domain.AuthoritativeRecord, sp domain.SourcePlan) domain.RetrievalHit {
	source := rec.Source
	if source == "" {
		source = sp.Source
	}
	return domain.RetrievalHit{
		ChunkID:  rec.EntityID,
		Score:    1,
		Modality: domain.ModalityAuthoritative,
		Source:   source,
		PlanID:   sp.ID,
		Chunk: domain.Chunk{
			ID:           rec.EntityID,
			Text:         renderRecord(rec),
			Source:       source,
			URI:          rec.URI,
			LastModified: rec.UpdatedAt,
			Author:       rec.Author,
			EntityID:     rec.EntityID,
		},
		SupersedesChunks: append([]string(nil), rec.ChunkIDs...),
		RecordStatus:     rec.Status,
	}
}

func renderRecord(rec *domain.AuthoritativeRecord) string {
	var b strings.Builder
	if rec.Kind != "" {
		fmt.Fprintf(&b, "[%s %s] ", rec.Kind, rec.EntityID)
	} else {
		fmt.Fprintf(&b, "[%s] ", rec.EntityID)
	}
	b.WriteString(rec.Title)
	if rec.Status != "" {
		fmt.Fprintf(&b, "\nstatus: %s", rec.Status)
	}
	if body := strings.TrimSpace(rec.Body); body != "" {
		b.WriteString("\n\n")
		b.WriteString(body)
	}
	return strings.TrimSpace(b.String())
}

func hasLiveAuthority(hits []domain.RetrievalHit) bool {
	for _, h := range hits {
		if h.Modality == domain.ModalityAuthoritative && strings.TrimSpace(h.RecordStatus) != "" {
			return true
		}
	}
	return false
}

func timeoutOutcome(sp domain.SourcePlan, cause error) domain.SourceOutcome {
	msg := "deadline exceeded"
	if cause != nil {
		msg = cause.Error()
	}
	return domain.SourceOutcome{
		PlanID:    sp.ID,
		Source:    sp.Source,
		IndexKind: sp.IndexKind,
		Status:    domain.OutcomeTimeout,
		Error:     msg,
	}
}

func buildReport(hits [][]domain.RetrievalHit, outcomes []domain.SourceOutcome) domain.ExecutionReport {
	total := 0
	for _, h := range hits {
		total += len(h)
	}
	all := make([]domain.RetrievalHit, 0, total)
	for _, h := range hits {
		all = append(all, h...)
	}
	return domain.ExecutionReport{Hits: all, Outcomes: outcomes}
}

// queryEmbedding shares one embedding per distinct query text across every
// vector task of an execution.
type queryEmbedding struct {
	ctx      context.Context
	embedder ports.Embedder
	group    singleflight.Group

	mu    sync.Mutex
	cache map[string][]float32
}

func newQueryEmbedding(ctx context.Context, embedder ports.Embedder) *queryEmbedding {
	return &queryEmbedding{ctx: ctx, embedder: embedder, cache: make(map[string][]float32)}
}

func (q *queryEmbedding) get(ctx context.Context, text string) ([]float32, error) {
	if q.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	q.mu.Lock()
	if v, ok := q.cache[text]; ok {
		q.mu.Unlock()
		return v, nil
	}
	q.mu.Unlock()

	ch := q.group.DoChan(text, func() (any, error) {
		q.mu.Lock()
		cached, ok := q.cache[text]
		q.mu.Unlock()
		if ok {
			return cached, nil
		}
		v, err := q.embedder.EmbedQuery(q.ctx, text)
		if err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.cache[text] = v
		q.mu.Unlock()
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
