package projection

import (
	"context"
	"log"
	"sync"
	"time"

	"coordline/internal/domain"
	"coordline/internal/event"
)

const refreshPageSize = 200

// Builder folds the event stream into cached current-state views. The
// cache refreshes asynchronously on a bounded interval, so reads through
// it are eventually consistent; command paths that need read-your-writes
// fold directly from the store instead.
type Builder struct {
	Store    event.Store
	Interval time.Duration

	mu      sync.RWMutex
	work    map[string]domain.WorkItem
	schemas map[string]domain.SchemaObject
	cursor  int64
}

// NewBuilder returns a builder with an empty cache.
func NewBuilder(store event.Store, interval time.Duration) *Builder {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Builder{
		Store:    store,
		Interval: interval,
		work:     map[string]domain.WorkItem{},
		schemas:  map[string]domain.SchemaObject{},
	}
}

// Start runs the refresh loop until the context is cancelled.
func (b *Builder) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.Interval)
		defer ticker.Stop()
		for {
			if err := b.Refresh(ctx); err != nil {
				log.Printf("projection: refresh failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Refresh folds any events appended since the last pass into the cache.
// Changed entities are re-folded in full; folds stay pure.
func (b *Builder) Refresh(ctx context.Context) error {
	for {
		b.mu.RLock()
		cursor := b.cursor
		b.mu.RUnlock()
		events, err := b.Store.After(ctx, cursor, refreshPageSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		type key struct{ kind, id string }
		changed := map[key]struct{}{}
		last := cursor
		for _, e := range events {
			changed[key{e.EntityKind, e.EntityID}] = struct{}{}
			last = e.ID
		}
		for k := range changed {
			history, err := b.Store.ListByEntity(ctx, k.kind, k.id)
			if err != nil {
				return err
			}
			b.mu.Lock()
			switch k.kind {
			case domain.KindWorkItem:
				b.work[k.id] = FoldWorkItem(history)
			case domain.KindSchemaObject:
				b.schemas[k.id] = FoldSchemaObject(history)
			}
			b.mu.Unlock()
		}
		b.mu.Lock()
		b.cursor = last
		b.mu.Unlock()
	}
}

// WorkItems returns a snapshot of the cached work item projections.
func (b *Builder) WorkItems() []domain.WorkItem {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.WorkItem, 0, len(b.work))
	for _, w := range b.work {
		out = append(out, w)
	}
	return out
}

// SchemaObjects returns a snapshot of the cached schema projections.
func (b *Builder) SchemaObjects() []domain.SchemaObject {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.SchemaObject, 0, len(b.schemas))
	for _, s := range b.schemas {
		out = append(out, s)
	}
	return out
}

// WorkItem folds one work item directly from the store. This is the
// strict read used on command paths.
func (b *Builder) WorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	events, err := b.Store.ListByEntity(ctx, domain.KindWorkItem, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if len(events) == 0 {
		return domain.WorkItem{}, domain.ErrNotFound
	}
	return FoldWorkItem(events), nil
}

// SchemaObject folds one schema object directly from the store.
func (b *Builder) SchemaObject(ctx context.Context, identity string) (domain.SchemaObject, error) {
	events, err := b.Store.ListByEntity(ctx, domain.KindSchemaObject, identity)
	if err != nil {
		return domain.SchemaObject{}, err
	}
	if len(events) == 0 {
		return domain.SchemaObject{}, domain.ErrNotFound
	}
	return FoldSchemaObject(events), nil
}
