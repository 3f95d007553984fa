package schema

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is one immutable, versioned view of a schema. Compilations hold a
// snapshot for their whole lifetime; the registry never mutates one after
// publication, so a refresh racing a compilation is harmless.
type Snapshot struct {
	Version  string
	LoadedAt time.Time
	Schema   *Schema
}

// Registry is the process-wide catalog of named schema snapshots. Reads take
// a shared lock; a refresh takes the exclusive lock only for the pointer
// swap.
type Registry struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{snapshots: make(map[string]*Snapshot)}
}

// Register validates a schema and publishes it as a fresh snapshot,
// replacing any snapshot of the same name. Returns the published snapshot.
func (r *Registry) Register(s *Schema) (*Snapshot, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("register schema: %w", err)
	}
	snap := &Snapshot{
		Version:  uuid.NewString(),
		LoadedAt: time.Now(),
		Schema:   s,
	}
	r.mu.Lock()
	r.snapshots[s.Name] = snap
	r.mu.Unlock()
	return snap, nil
}

// Get returns the current snapshot for a schema name.
func (r *Registry) Get(name string) (*Snapshot, error) {
	r.mu.RLock()
	snap, ok := r.snapshots[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no schema registered under %q", name)
	}
	return snap, nil
}

// Names returns the registered schema names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.snapshots))
	for n := range r.snapshots {
		names = append(names, n)
	}
	return names
}

// LoadFunc produces fresh schemas for a refresh cycle.
type LoadFunc func(ctx context.Context) ([]*Schema, error)

// StartRefresh runs load on the given interval and swaps in the returned
// schemas until ctx is cancelled. Load errors leave the current snapshots in
// place; partial results are applied per schema.
func (r *Registry) StartRefresh(ctx context.Context, interval time.Duration, load LoadFunc) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				schemas, err := load(ctx)
				if err != nil {
					continue
				}
				for _, s := range schemas {
					_, _ = r.Register(s)
				}
			}
		}
	}()
}
