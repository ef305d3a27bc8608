package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/core/ports"
)

// Recorder persists records resolved by an upstream registry.
type Recorder interface {
	Upsert(ctx context.Context, rec *domain.AuthoritativeRecord) error
}

type Entry struct {
	Name     string
	Registry ports.MetadataRegistry
}

// Chain asks registries in order and returns the first record found. A
// failing registry does not hide a later one that still has the record.
type Chain struct {
	entries  []Entry
	recorder Recorder
	logger   *slog.Logger
}

func NewChain(logger *slog.Logger, entries ...Entry) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Registry != nil {
			kept = append(kept, e)
		}
	}
	return &Chain{entries: kept, logger: logger}
}

// WithRecorder stores records found by any registry other than the recorder
// itself, so later lookups survive an upstream outage.
func (c *Chain) WithRecorder(rec Recorder) *Chain {
	c.recorder = rec
	return c
}

func (c *Chain) Lookup(ctx context.Context, key domain.LookupKey) (*domain.AuthoritativeRecord, error) {
	var lastErr error
	for _, entry := range c.entries {
		rec, err := entry.Registry.Lookup(ctx, key)
		if err == nil && rec != nil {
			c.record(ctx, entry, rec)
			return rec, nil
		}
		if err == nil || domain.IsKind(err, domain.ErrNotFound) {
			continue
		}
		if ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("registry_lookup_failed",
			"registry", entry.Name,
			"entity_id", key.EntityID,
			"chunk_id", key.ChunkID,
			"error", err,
		)
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, domain.WrapError(domain.ErrNotFound, "registry chain lookup", fmt.Errorf("no registry has %+v", key))
}

func (c *Chain) record(ctx context.Context, entry Entry, rec *domain.AuthoritativeRecord) {
	if c.recorder == nil {
		return
	}
	if self, ok := entry.Registry.(Recorder); ok && self == c.recorder {
		return
	}
	if err := c.recorder.Upsert(ctx, rec); err != nil {
		c.logger.Warn("registry_record_failed", "registry", entry.Name, "entity_id", rec.EntityID, "error", err)
	}
}
