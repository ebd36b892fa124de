// Package registry maintains the persistent mapping from external graph
// identity (display name, filesystem path) to an internal graph id. Once
// assigned, a graph id is stable: it is never reused or renamed even if
// the record's name or path later changes.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kenaz/internal/apperr"
	"github.com/starford/kenaz/internal/atomicfile"
	"github.com/starford/kenaz/internal/pkmtypes"
)

// Selector identifies a graph by any combination of id, name, and path,
// mirroring the ingestion API's graph_selector shape.
type Selector struct {
	ID   string
	Name string
	Path string
}

// Registry is a single writer, multiple readers mapping of graph id to
// pkmtypes.GraphRecord, persisted as one JSON file rewritten atomically
// on every change.
type Registry struct {
	mu sync.RWMutex

	path     string
	graphs   map[string]*pkmtypes.GraphRecord
	activeID string
}

type registryFile struct {
	Graphs   []pkmtypes.GraphRecord `json:"graphs"`
	ActiveID string                 `json:"active_id,omitempty"`
}

// Load reads the registry file at path, or returns an empty registry if
// it does not yet exist.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, graphs: make(map[string]*pkmtypes.GraphRecord)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("registry: read: %w", err)
	}

	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("registry: parse: %w", err)
	}
	for i := range rf.Graphs {
		g := rf.Graphs[i]
		r.graphs[g.ID] = &g
	}
	r.activeID = rf.ActiveID
	return r, nil
}

func (r *Registry) saveLocked() error {
	rf := registryFile{ActiveID: r.activeID}
	for _, g := range r.graphs {
		rf.Graphs = append(rf.Graphs, *g)
	}
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	if err := atomicfile.Write(r.path, data); err != nil {
		return fmt.Errorf("registry: write: %w", err)
	}
	return nil
}

// GetOrCreate resolves sel to a graph record, creating one if no existing
// record matches. Matching order: provided id, then exact (name, path),
// then path alone (name changed), then name alone (path moved). When name
// and path each match a different record, path wins.
func (r *Registry) GetOrCreate(sel Selector) (pkmtypes.GraphRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sel.ID != "" {
		if g, ok := r.graphs[sel.ID]; ok {
			return r.adoptLocked(g, sel)
		}
	}

	var byName, byPath *pkmtypes.GraphRecord
	for _, g := range r.graphs {
		if sel.Name != "" && g.Name == sel.Name {
			byName = g
		}
		if sel.Path != "" && g.Path == sel.Path {
			byPath = g
		}
	}

	switch {
	case byName != nil && byPath != nil && byName.ID == byPath.ID:
		return r.adoptLocked(byName, sel)
	case byPath != nil:
		return r.adoptLocked(byPath, sel)
	case byName != nil:
		return r.adoptLocked(byName, sel)
	}

	id := sel.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	g := &pkmtypes.GraphRecord{
		ID:             id,
		Name:           sel.Name,
		Path:           sel.Path,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	r.graphs[id] = g
	if r.activeID == "" {
		r.activeID = id
	}
	if err := r.saveLocked(); err != nil {
		return pkmtypes.GraphRecord{}, err
	}
	return *g, nil
}

// adoptLocked updates an existing record's name/path from sel (a record's
// id never changes) and persists the touch.
func (r *Registry) adoptLocked(g *pkmtypes.GraphRecord, sel Selector) (pkmtypes.GraphRecord, error) {
	if sel.Name != "" {
		g.Name = sel.Name
	}
	if sel.Path != "" {
		g.Path = sel.Path
	}
	g.LastAccessedAt = time.Now().UTC()
	if err := r.saveLocked(); err != nil {
		return pkmtypes.GraphRecord{}, err
	}
	return *g, nil
}

// Resolve looks up a graph without creating one, for request paths where
// an unresolvable selector must surface as apperr.ErrUnknownGraph rather
// than speculatively registering a new graph.
func (r *Registry) Resolve(sel Selector) (pkmtypes.GraphRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sel.ID != "" {
		if g, ok := r.graphs[sel.ID]; ok {
			return *g, nil
		}
	}
	var byName, byPath *pkmtypes.GraphRecord
	for _, g := range r.graphs {
		if sel.Name != "" && g.Name == sel.Name {
			byName = g
		}
		if sel.Path != "" && g.Path == sel.Path {
			byPath = g
		}
	}
	if byPath != nil {
		return *byPath, nil
	}
	if byName != nil {
		return *byName, nil
	}
	return pkmtypes.GraphRecord{}, fmt.Errorf("%w: %+v", apperr.ErrUnknownGraph, sel)
}

// All returns every registered graph record.
func (r *Registry) All() []pkmtypes.GraphRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pkmtypes.GraphRecord, 0, len(r.graphs))
	for _, g := range r.graphs {
		out = append(out, *g)
	}
	return out
}

// SetActive marks graphID as the active graph. Returns apperr.ErrNotFound
// if no such record exists.
func (r *Registry) SetActive(graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.graphs[graphID]; !ok {
		return fmt.Errorf("%w: graph %q", apperr.ErrNotFound, graphID)
	}
	r.activeID = graphID
	return r.saveLocked()
}

// Active returns the currently active graph id, or "" if none is set.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// MarkConfigUpdated records that a graph's editor-config reconciliation
// has completed.
func (r *Registry) MarkConfigUpdated(graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.graphs[graphID]
	if !ok {
		return fmt.Errorf("%w: graph %q", apperr.ErrNotFound, graphID)
	}
	g.EditorConfigReconciled = true
	return r.saveLocked()
}
