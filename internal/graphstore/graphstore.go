// Package graphstore implements the per-graph typed property graph: Page
// and Block nodes, the six typed edge kinds, O(1) external-id lookup,
// node archival, and JSON snapshot persistence.
//
// The underlying container is a gonum multigraph, the Go analogue of the
// stable directed graph petgraph::StableGraph used by the system this
// engine was ported from: node and edge handles survive unrelated
// mutations, and a separate map from external id (page normalized name or
// block id) to internal handle is maintained beside it, never the other
// way around.
package graphstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/multi"

	"github.com/starford/kenaz/internal/apperr"
	"github.com/starford/kenaz/internal/pkmtypes"
)

// gnode is the internal node handle implementation.
type gnode int64

func (n gnode) ID() int64 { return int64(n) }

// gline is the internal typed-edge handle implementation.
type gline struct {
	id       int64
	from, to int64
	kind     pkmtypes.EdgeKind
}

func (l gline) From() graph.Node         { return gnode(l.from) }
func (l gline) To() graph.Node           { return gnode(l.to) }
func (l gline) ID() int64                { return l.id }
func (l gline) ReversedEdge() graph.Edge { return gline{id: l.id, from: l.to, to: l.from, kind: l.kind} }
func (l gline) ReversedLine() graph.Line { return gline{id: l.id, from: l.to, to: l.from, kind: l.kind} }

// record is the payload stored for one internal node handle.
type record struct {
	Kind  pkmtypes.NodeKind
	Page  *pkmtypes.Page
	Block *pkmtypes.Block
}

func (r *record) externalID() string {
	if r.Kind == pkmtypes.NodeKindPage {
		return r.Page.NormalizedName
	}
	return r.Block.ID
}

// derivedKinds are the edge kinds recomputed from content on every update;
// ParentChild and PageToBlock are structural and only change via their
// explicit operations.
var derivedKinds = map[pkmtypes.EdgeKind]bool{
	pkmtypes.EdgeKindPageRef:  true,
	pkmtypes.EdgeKindBlockRef: true,
	pkmtypes.EdgeKindTag:      true,
	pkmtypes.EdgeKindProperty: true,
}

// Store is one tenant's in-memory property graph plus its snapshot and
// archive files on disk.
type Store struct {
	mu sync.RWMutex

	graphID string
	dataDir string
	logger  *slog.Logger

	g              *multi.DirectedGraph
	nextNodeID     int64
	nextLineID     int64
	nodes          map[int64]*record
	pkmToNode      map[string]int64 // normalized page name or block id -> handle

	snapshotSuppressed  bool
	opsSinceSnapshot    int
	lastSnapshotAt      time.Time
	archiveFile         string
	archiveFileOpenedAt time.Time

	lastIncrementalSyncAt time.Time
	lastFullSyncAt        time.Time
}

// SnapshotTriggers configure when an automatic snapshot should fire.
type SnapshotTriggers struct {
	IdleInterval time.Duration // time-trigger: idle N minutes since last snapshot
	OpCount      int           // op-count trigger: M ops since last snapshot
}

// New loads (or initializes) the graph store for graphID rooted at dataDir.
func New(graphID, dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		graphID:   graphID,
		dataDir:   dataDir,
		logger:    logger,
		g:         multi.NewDirectedGraph(),
		nodes:     make(map[int64]*record),
		pkmToNode: make(map[string]int64),
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dataDir, "graphs", s.graphID, "knowledge_graph.json")
}

func (s *Store) archiveDir() string {
	return filepath.Join(s.dataDir, "graphs", s.graphID, "archived_nodes")
}

func (s *Store) newNodeLocked() int64 {
	s.nextNodeID++
	id := s.nextNodeID
	s.g.AddNode(gnode(id))
	return id
}

// GetNode returns the node payload for an external id (page normalized
// name or block id).
func (s *Store) GetNode(externalID string) (pkmtypes.NodeKind, *pkmtypes.Page, *pkmtypes.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getNodeLocked(externalID)
}

func (s *Store) getNodeLocked(externalID string) (pkmtypes.NodeKind, *pkmtypes.Page, *pkmtypes.Block, bool) {
	id, ok := s.pkmToNode[externalID]
	if !ok {
		return "", nil, nil, false
	}
	rec := s.nodes[id]
	return rec.Kind, rec.Page, rec.Block, true
}

// FindNodeByID is an alias of GetNode kept distinct to mirror the spec's
// operation name for block/page id lookups.
func (s *Store) FindNodeByID(externalID string) (pkmtypes.NodeKind, *pkmtypes.Page, *pkmtypes.Block, bool) {
	return s.GetNode(externalID)
}

// RenameExternalID rewrites a block's external id in place, keeping its
// internal handle and edges untouched. Used by the AdoptExternalId saga
// step when the editor returns a real block id for a block created under
// a temporary one.
func (s *Store) RenameExternalID(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pkmToNode[oldID]
	if !ok {
		return fmt.Errorf("%w: node %q", apperr.ErrNotFound, oldID)
	}
	rec := s.nodes[id]
	if rec.Kind != pkmtypes.NodeKindBlock {
		return fmt.Errorf("%w: %q is not a block", apperr.ErrGraphInvariant, oldID)
	}
	rec.Block.ID = newID
	delete(s.pkmToNode, oldID)
	s.pkmToNode[newID] = id
	return nil
}

// NodeCount returns the number of pages and blocks currently in the store.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// EdgeCount returns the number of edges of any kind currently in the store.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgeCountLocked()
}

func (s *Store) edgeCountLocked() int {
	count := 0
	for id := range s.nodes {
		for _, n := range graph.NodesOf(s.g.From(id)) {
			count += len(graph.LinesOf(s.g.Lines(id, n.ID())))
		}
	}
	return count
}

// TouchSync records that a sync pass of the given kind ("incremental" or
// "full") has just completed.
func (s *Store) TouchSync(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	switch kind {
	case "incremental":
		s.lastIncrementalSyncAt = now
	case "full":
		s.lastFullSyncAt = now
	default:
		return fmt.Errorf("%w: unknown sync kind %q", apperr.ErrInvalidPayload, kind)
	}
	return nil
}

// SyncStatus reports the last sync timestamps alongside current node/edge
// counts.
func (s *Store) SyncStatus() (lastIncremental, lastFull time.Time, nodeCount, edgeCount int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIncrementalSyncAt, s.lastFullSyncAt, len(s.nodes), s.edgeCountLocked()
}

// preImage captures enough state to reverse one mutation.
type preImage struct {
	Existed bool                `json:"existed"`
	Page    *pkmtypes.Page      `json:"page,omitempty"`
	Block   *pkmtypes.Block     `json:"block,omitempty"`
	Edges   []archivedEdgeStub  `json:"edges,omitempty"`
}

// archivedEdgeStub names an edge by the external ids of both endpoints
// rather than internal handles, so it survives a node being rebuilt under
// a new handle (a full delete-reversal) as well as a node kept under its
// existing one (an update-reversal).
type archivedEdgeStub struct {
	Kind pkmtypes.EdgeKind `json:"kind"`
	From string            `json:"from"`
	To   string            `json:"to"`
}

// Apply executes op against the graph, returning a pre-image sufficient
// to later Reverse it. Apply holds the store's exclusive lock for its
// whole duration, matching the per-graph write-lock model.
func (s *Store) Apply(op pkmtypes.Operation) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pre preImage
	var err error

	switch op.Kind {
	case pkmtypes.OpInsertPage:
		if op.Page == nil {
			return nil, fmt.Errorf("%w: insert_page missing page args", apperr.ErrGraphInvariant)
		}
		pre, err = s.upsertPageLocked(*op.Page)
	case pkmtypes.OpInsertBlock:
		if op.Block == nil {
			return nil, fmt.Errorf("%w: insert_block missing block args", apperr.ErrGraphInvariant)
		}
		pre, err = s.upsertBlockLocked(*op.Block)
	case pkmtypes.OpUpdateBlockContent:
		if op.Block == nil {
			return nil, fmt.Errorf("%w: update_block_content missing block args", apperr.ErrGraphInvariant)
		}
		pre, err = s.upsertBlockLocked(*op.Block)
	case pkmtypes.OpDeleteBlock:
		if op.Block == nil {
			return nil, fmt.Errorf("%w: delete_block missing block args", apperr.ErrGraphInvariant)
		}
		pre, err = s.deleteBlockLocked(op.Block.ID)
	default:
		return nil, fmt.Errorf("%w: unknown operation kind %q", apperr.ErrGraphInvariant, op.Kind)
	}
	if err != nil {
		return nil, err
	}

	s.opsSinceSnapshot++
	data, merr := json.Marshal(pre)
	if merr != nil {
		return nil, fmt.Errorf("graphstore: marshal pre-image: %w", merr)
	}
	return data, nil
}

// Reverse undoes op using the pre-image captured by the matching Apply.
func (s *Store) Reverse(op pkmtypes.Operation, preImageData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pre preImage
	if len(preImageData) > 0 {
		if err := json.Unmarshal(preImageData, &pre); err != nil {
			return fmt.Errorf("graphstore: unmarshal pre-image: %w", err)
		}
	}

	switch op.Kind {
	case pkmtypes.OpInsertPage:
		if !pre.Existed {
			s.removeNodeLocked(strings.ToLower(op.Page.Name))
			return nil
		}
		return s.restorePageLocked(pre)
	case pkmtypes.OpInsertBlock:
		if !pre.Existed {
			s.removeNodeLocked(op.Block.ID)
			return nil
		}
		return s.restoreBlockLocked(pre)
	case pkmtypes.OpUpdateBlockContent:
		if pre.Existed {
			return s.restoreBlockLocked(pre)
		}
		s.removeNodeLocked(op.Block.ID)
		return nil
	case pkmtypes.OpDeleteBlock:
		if pre.Existed {
			return s.restoreBlockLocked(pre)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operation kind %q", apperr.ErrGraphInvariant, op.Kind)
	}
}

func (s *Store) upsertPageLocked(args pkmtypes.PageArgs) (preImage, error) {
	norm := strings.ToLower(args.Name)
	now := time.Now().UTC()

	if id, ok := s.pkmToNode[norm]; ok {
		old := s.nodes[id]
		pre := preImage{Existed: true, Page: clonePage(old.Page), Edges: s.derivedEdgesLocked(id)}
		old.Page.Name = args.Name
		old.Page.Properties = args.Properties
		old.Page.UpdatedAt = now
		s.recomputeDerivedEdgesLocked(id, old.Page.Properties, "")
		return pre, nil
	}

	id := s.newNodeLocked()
	page := &pkmtypes.Page{
		NormalizedName: norm,
		Name:           args.Name,
		Properties:     args.Properties,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.nodes[id] = &record{Kind: pkmtypes.NodeKindPage, Page: page}
	s.pkmToNode[norm] = id
	s.recomputeDerivedEdgesLocked(id, page.Properties, "")
	return preImage{Existed: false}, nil
}

func (s *Store) upsertBlockLocked(args pkmtypes.BlockArgs) (preImage, error) {
	now := time.Now().UTC()

	if id, ok := s.pkmToNode[args.ID]; ok {
		old := s.nodes[id]
		pre := preImage{Existed: true, Block: cloneBlock(old.Block), Edges: s.derivedEdgesLocked(id)}
		old.Block.Content = args.Content
		if args.Properties != nil {
			old.Block.Properties = args.Properties
		}
		old.Block.UpdatedAt = now
		s.recomputeDerivedEdgesLocked(id, old.Block.Properties, old.Block.Content)
		return pre, nil
	}

	pageID, err := s.ensurePageLocked(args.Page)
	if err != nil {
		return preImage{}, err
	}

	id := s.newNodeLocked()
	block := &pkmtypes.Block{
		ID:            args.ID,
		Content:       args.Content,
		Properties:    args.Properties,
		ParentID:      args.ParentID,
		Page:          strings.ToLower(args.Page),
		LeftSiblingID: args.LeftSiblingID,
		Format:        args.Format,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.nodes[id] = &record{Kind: pkmtypes.NodeKindBlock, Block: block}
	s.pkmToNode[args.ID] = id

	if args.ParentID != "" {
		if parentID, ok := s.pkmToNode[args.ParentID]; ok {
			s.upsertEdgeLocked(pkmtypes.EdgeKindParentChild, parentID, id)
		}
	} else if pageID != 0 {
		s.upsertEdgeLocked(pkmtypes.EdgeKindPageToBlock, pageID, id)
	}

	s.recomputeDerivedEdgesLocked(id, block.Properties, block.Content)
	return preImage{Existed: false}, nil
}

// ensurePageLocked implicitly creates the owning page of a new block if it
// does not yet exist, per the edge-derivation rule that a referenced page
// is always created rather than left dangling.
func (s *Store) ensurePageLocked(pageName string) (int64, error) {
	if pageName == "" {
		return 0, nil
	}
	norm := strings.ToLower(pageName)
	if id, ok := s.pkmToNode[norm]; ok {
		return id, nil
	}
	id := s.newNodeLocked()
	now := time.Now().UTC()
	s.nodes[id] = &record{Kind: pkmtypes.NodeKindPage, Page: &pkmtypes.Page{
		NormalizedName: norm,
		Name:           pageName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}}
	s.pkmToNode[norm] = id
	return id, nil
}

func (s *Store) deleteBlockLocked(blockID string) (preImage, error) {
	id, ok := s.pkmToNode[blockID]
	if !ok {
		return preImage{Existed: false}, nil
	}
	old := s.nodes[id]
	pre := preImage{Existed: true, Block: cloneBlock(old.Block), Edges: s.allIncidentEdgesLocked(id)}

	if err := s.archiveLocked(pkmtypes.NodeKindBlock, nil, old.Block, pre.Edges); err != nil {
		return preImage{}, err
	}
	s.removeNodeLocked(blockID)
	return pre, nil
}

// restorePageLocked reverses an update (the page's handle is still live in
// pkmToNode, so its record is mutated back to the pre-image in place,
// keeping any structural edges other nodes hold against its handle
// intact) or a delete (the handle is gone, so a fresh one is allocated and
// its full incident-edge set, captured at delete time, is replayed).
func (s *Store) restorePageLocked(pre preImage) error {
	norm := pre.Page.NormalizedName
	id, ok := s.pkmToNode[norm]
	if !ok {
		id = s.newNodeLocked()
		s.pkmToNode[norm] = id
	} else {
		s.clearDerivedEdgesLocked(id)
	}
	s.nodes[id] = &record{Kind: pkmtypes.NodeKindPage, Page: clonePage(pre.Page)}
	s.replayEdgesLocked(pre.Edges)
	return nil
}

// restoreBlockLocked is restorePageLocked's block counterpart, keyed on
// the block id instead of the page's normalized name.
func (s *Store) restoreBlockLocked(pre preImage) error {
	id, ok := s.pkmToNode[pre.Block.ID]
	if !ok {
		id = s.newNodeLocked()
		s.pkmToNode[pre.Block.ID] = id
	} else {
		s.clearDerivedEdgesLocked(id)
	}
	s.nodes[id] = &record{Kind: pkmtypes.NodeKindBlock, Block: cloneBlock(pre.Block)}
	s.replayEdgesLocked(pre.Edges)
	return nil
}

// replayEdgesLocked recreates every edge stub whose endpoints both still
// resolve to a live handle; an endpoint that no longer exists (its own
// node was separately removed) is silently skipped.
func (s *Store) replayEdgesLocked(edges []archivedEdgeStub) {
	for _, e := range edges {
		fromID, fok := s.pkmToNode[e.From]
		toID, tok := s.pkmToNode[e.To]
		if fok && tok {
			s.upsertEdgeLocked(e.Kind, fromID, toID)
		}
	}
}

// removeNodeLocked removes a node and all its incident edges without
// archiving; used by Reverse for mutations that never should have
// happened, as opposed to user-visible deletes which go through
// deleteBlockLocked + the archive file.
func (s *Store) removeNodeLocked(externalID string) {
	id, ok := s.pkmToNode[externalID]
	if !ok {
		return
	}
	s.g.RemoveNode(id)
	delete(s.nodes, id)
	delete(s.pkmToNode, externalID)
}

// upsertEdgeLocked adds an edge of kind between from and to unless one
// already exists between that pair (edges of the same kind between the
// same endpoints are merged, never duplicated).
func (s *Store) upsertEdgeLocked(kind pkmtypes.EdgeKind, from, to int64) {
	lines := graph.LinesOf(s.g.Lines(from, to))
	for _, l := range lines {
		if gl, ok := l.(gline); ok && gl.kind == kind {
			return
		}
	}
	s.nextLineID++
	s.g.SetLine(gline{id: s.nextLineID, from: from, to: to, kind: kind})
}

// derivedEdgesLocked returns the current PageRef/BlockRef/Tag/Property
// edges out of node id, as (kind, from, to) triples naming both endpoints
// by external id.
func (s *Store) derivedEdgesLocked(id int64) []archivedEdgeStub {
	var out []archivedEdgeStub
	self, ok := s.nodes[id]
	if !ok {
		return out
	}
	selfExtID := self.externalID()
	neighbors := graph.NodesOf(s.g.From(id))
	for _, n := range neighbors {
		toID := n.ID()
		for _, l := range graph.LinesOf(s.g.Lines(id, toID)) {
			gl, ok := l.(gline)
			if !ok || !derivedKinds[gl.kind] {
				continue
			}
			if rec, ok := s.nodes[toID]; ok {
				out = append(out, archivedEdgeStub{Kind: gl.kind, From: selfExtID, To: rec.externalID()})
			}
		}
	}
	return out
}

// allIncidentEdgesLocked returns every edge touching id, of any kind, in
// either direction, for use by the archive discipline and by delete
// reversal: a deleted block's structural ParentChild/PageToBlock edges
// are as much a part of its pre-image as its own content is.
func (s *Store) allIncidentEdgesLocked(id int64) []archivedEdgeStub {
	var out []archivedEdgeStub
	self, ok := s.nodes[id]
	if !ok {
		return out
	}
	selfExtID := self.externalID()

	for _, n := range graph.NodesOf(s.g.From(id)) {
		toID := n.ID()
		for _, l := range graph.LinesOf(s.g.Lines(id, toID)) {
			gl, ok := l.(gline)
			if !ok {
				continue
			}
			if rec, ok := s.nodes[toID]; ok {
				out = append(out, archivedEdgeStub{Kind: gl.kind, From: selfExtID, To: rec.externalID()})
			}
		}
	}
	for _, n := range graph.NodesOf(s.g.To(id)) {
		fromID := n.ID()
		for _, l := range graph.LinesOf(s.g.Lines(fromID, id)) {
			gl, ok := l.(gline)
			if !ok {
				continue
			}
			if rec, ok := s.nodes[fromID]; ok {
				out = append(out, archivedEdgeStub{Kind: gl.kind, From: rec.externalID(), To: selfExtID})
			}
		}
	}
	return out
}

// clearDerivedEdgesLocked removes every PageRef/BlockRef/Tag/Property edge
// out of id, leaving ParentChild/PageToBlock untouched.
func (s *Store) clearDerivedEdgesLocked(id int64) {
	neighbors := graph.NodesOf(s.g.From(id))
	for _, n := range neighbors {
		toID := n.ID()
		for _, l := range graph.LinesOf(s.g.Lines(id, toID)) {
			gl, ok := l.(gline)
			if !ok || !derivedKinds[gl.kind] {
				continue
			}
			s.g.RemoveLine(id, toID, gl.id)
		}
	}
}

func clonePage(p *pkmtypes.Page) *pkmtypes.Page {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func cloneBlock(b *pkmtypes.Block) *pkmtypes.Block {
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}
