package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/models"
)

// Constructor decodes a persisted config map and builds the backend for it.
type Constructor func(ctx context.Context, kind models.StrategyType, config map[string]any) (Backend, error)

// StrategySource reads persisted strategies.
type StrategySource interface {
	Get(ctx context.Context, id string) (*models.StorageStrategy, error)
	List(ctx context.Context) ([]models.StorageStrategy, error)
}

// Entry is one strategy paired with its constructed backend. Entries are
// immutable once published; reconfiguration publishes a new Entry.
type Entry struct {
	Strategy models.StorageStrategy
	Backend  Backend
	// Err is the construction failure when Backend is nil.
	Err error
}

// Registry maps strategy ids to backends. Lookups read a published
// snapshot without locking; writers copy the map and swap the pointer.
type Registry struct {
	mu      sync.Mutex
	entries atomic.Pointer[map[string]*Entry]
	source  StrategySource
	build   Constructor
}

// NewRegistry creates an empty registry. Call Load to populate it.
func NewRegistry(source StrategySource, build Constructor) *Registry {
	r := &Registry{source: source, build: build}
	empty := make(map[string]*Entry)
	r.entries.Store(&empty)
	return r
}

func (r *Registry) snapshot() map[string]*Entry {
	return *r.entries.Load()
}

func (r *Registry) construct(ctx context.Context, s models.StorageStrategy) *Entry {
	entry := &Entry{Strategy: s}
	backend, err := r.build(ctx, s.Type, map[string]any(s.Config))
	if err != nil {
		entry.Err = err
		metrics.RecordRegistryReload(false)
		logging.Error("failed to initialize storage backend",
			zap.String("strategy_id", s.ID),
			zap.String("type", string(s.Type)),
			zap.Error(err))
		return entry
	}
	entry.Backend = Instrument(backend)
	metrics.RecordRegistryReload(true)
	return entry
}

// Load builds every persisted strategy and replaces the whole snapshot.
// A strategy that fails to build is kept as a broken entry so the others
// stay usable.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.source.List(ctx)
	if err != nil {
		return fmt.Errorf("list strategies: %w", err)
	}

	next := make(map[string]*Entry, len(rows))
	for _, row := range rows {
		next[row.ID] = r.construct(ctx, row)
	}

	r.mu.Lock()
	old := r.snapshot()
	r.entries.Store(&next)
	r.mu.Unlock()

	for _, e := range old {
		if e.Backend != nil {
			e.Backend.Close()
		}
	}

	r.updateGauge(next)
	logging.Info("strategy registry loaded", zap.Int("strategies", len(next)))
	return nil
}

// Reconfigure rebuilds the backend of one strategy from its persisted row
// and publishes it. Calls already holding the old entry finish on the old
// backend. A build failure is published as a broken entry and returned.
// Builds race when updates arrive close together; a build from an older
// row than the published one is discarded.
func (r *Registry) Reconfigure(ctx context.Context, id string) error {
	row, err := r.source.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrStrategyNotFound) {
			r.Remove(id)
		}
		return err
	}

	entry := r.construct(ctx, *row)

	r.mu.Lock()
	cur := r.snapshot()
	old := cur[id]
	if old != nil && old.Strategy.Version > row.Version {
		r.mu.Unlock()
		if entry.Backend != nil {
			entry.Backend.Close()
		}
		logging.Debug("discarded stale strategy build",
			zap.String("strategy_id", id),
			zap.Int64("version", row.Version),
			zap.Int64("published_version", old.Strategy.Version))
		return nil
	}
	next := make(map[string]*Entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[id] = entry
	r.entries.Store(&next)
	r.mu.Unlock()

	if old != nil && old.Backend != nil {
		old.Backend.Close()
	}

	r.updateGauge(next)
	logging.Info("storage strategy reconfigured",
		zap.String("strategy_id", id),
		zap.Int64("version", row.Version),
		zap.Bool("active", row.IsActive),
		zap.Bool("healthy", entry.Err == nil))

	if entry.Err != nil {
		return fmt.Errorf("build strategy %s: %w", id, entry.Err)
	}
	return nil
}

// Remove drops a strategy from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	cur := r.snapshot()
	old, ok := cur[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	next := make(map[string]*Entry, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	r.entries.Store(&next)
	r.mu.Unlock()

	if old.Backend != nil {
		old.Backend.Close()
	}
	r.updateGauge(next)
}

// Get returns the entry for a strategy for reading existing files. Inactive
// strategies remain readable.
func (r *Registry) Get(id string) (*Entry, error) {
	e, ok := r.snapshot()[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	if e.Err != nil {
		return nil, fmt.Errorf("strategy %s: %w: %v", id, ErrBackendUnavailable, e.Err)
	}
	return e, nil
}

// Writable returns the entry for a strategy that accepts new uploads.
func (r *Registry) Writable(id string) (*Entry, error) {
	e, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if !e.Strategy.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrStrategyInactive, id)
	}
	return e, nil
}

// ActiveOfType lists healthy active strategies of one kind, ordered by id.
func (r *Registry) ActiveOfType(kind models.StrategyType) []*Entry {
	var out []*Entry
	for _, e := range r.snapshot() {
		if e.Strategy.Type == kind && e.Strategy.IsActive && e.Err == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy.ID < out[j].Strategy.ID })
	return out
}

// Entries lists every entry, broken ones included, ordered by id.
func (r *Registry) Entries() []*Entry {
	snap := r.snapshot()
	out := make([]*Entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy.ID < out[j].Strategy.ID })
	return out
}

// Close releases every backend.
func (r *Registry) Close() {
	r.mu.Lock()
	cur := r.snapshot()
	empty := make(map[string]*Entry)
	r.entries.Store(&empty)
	r.mu.Unlock()

	for _, e := range cur {
		if e.Backend != nil {
			e.Backend.Close()
		}
	}
}

func (r *Registry) updateGauge(m map[string]*Entry) {
	active := 0
	for _, e := range m {
		if e.Strategy.IsActive && e.Err == nil {
			active++
		}
	}
	metrics.SetStrategiesActive(active)
}
