package graphstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/graph"

	"github.com/starford/kenaz/internal/atomicfile"
	"github.com/starford/kenaz/internal/pkmtypes"
)

type snapshotFile struct {
	NextNodeID int64          `json:"next_node_id"`
	NextLineID int64          `json:"next_line_id"`
	Nodes      []snapshotNode `json:"nodes"`
	Edges      []snapshotEdge `json:"edges"`
}

type snapshotNode struct {
	ID    int64             `json:"id"`
	Kind  pkmtypes.NodeKind `json:"kind"`
	Page  *pkmtypes.Page    `json:"page,omitempty"`
	Block *pkmtypes.Block   `json:"block,omitempty"`
}

type snapshotEdge struct {
	ID   int64             `json:"id"`
	Kind pkmtypes.EdgeKind `json:"kind"`
	From int64             `json:"from"`
	To   int64             `json:"to"`
}

func (s *Store) loadSnapshot() error {
	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("graphstore: read snapshot: %w", err)
	}

	var sf snapshotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("graphstore: parse snapshot: %w", err)
	}

	for _, n := range sf.Nodes {
		s.g.AddNode(gnode(n.ID))
		s.nodes[n.ID] = &record{Kind: n.Kind, Page: n.Page, Block: n.Block}
		if n.Kind == pkmtypes.NodeKindPage {
			s.pkmToNode[n.Page.NormalizedName] = n.ID
		} else {
			s.pkmToNode[n.Block.ID] = n.ID
		}
	}
	for _, e := range sf.Edges {
		s.g.SetLine(gline{id: e.ID, from: e.From, to: e.To, kind: e.Kind})
	}
	s.nextNodeID = sf.NextNodeID
	s.nextLineID = sf.NextLineID
	return nil
}

// Snapshot writes the graph's current Committed state to a single JSON
// file, atomically (write-to-temp + rename).
func (s *Store) Snapshot() error {
	s.mu.RLock()
	sf := snapshotFile{NextNodeID: s.nextNodeID, NextLineID: s.nextLineID}
	for id, rec := range s.nodes {
		sf.Nodes = append(sf.Nodes, snapshotNode{ID: id, Kind: rec.Kind, Page: rec.Page, Block: rec.Block})
		for _, n := range graph.NodesOf(s.g.From(id)) {
			toID := n.ID()
			for _, l := range graph.LinesOf(s.g.Lines(id, toID)) {
				if gl, ok := l.(gline); ok {
					sf.Edges = append(sf.Edges, snapshotEdge{ID: gl.id, Kind: gl.kind, From: id, To: toID})
				}
			}
		}
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("graphstore: marshal snapshot: %w", err)
	}
	if err := atomicfile.Write(s.snapshotPath(), data); err != nil {
		return fmt.Errorf("graphstore: write snapshot: %w", err)
	}

	s.mu.Lock()
	s.lastSnapshotAt = time.Now()
	s.opsSinceSnapshot = 0
	s.mu.Unlock()
	return nil
}

// SuppressSnapshots disables the time/op-count triggers, for the duration
// of a bulk ingestion batch. Sagas do not suppress them.
func (s *Store) SuppressSnapshots() {
	s.mu.Lock()
	s.snapshotSuppressed = true
	s.mu.Unlock()
}

// ResumeSnapshots re-enables the triggers.
func (s *Store) ResumeSnapshots() {
	s.mu.Lock()
	s.snapshotSuppressed = false
	s.mu.Unlock()
}

// DueForSnapshot reports whether the idle-time or op-count trigger has
// fired since the last snapshot. Triggers are inert while suppressed.
func (s *Store) DueForSnapshot(triggers SnapshotTriggers) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshotSuppressed {
		return false
	}
	if triggers.OpCount > 0 && s.opsSinceSnapshot >= triggers.OpCount {
		return true
	}
	if triggers.IdleInterval > 0 && !s.lastSnapshotAt.IsZero() && time.Since(s.lastSnapshotAt) >= triggers.IdleInterval {
		return true
	}
	return false
}

// archiveLocked appends a deletion record to the graph's current archive
// file, creating a new timestamped file if the last one has aged out of
// its batch window. Called with s.mu already held for writing.
func (s *Store) archiveLocked(kind pkmtypes.NodeKind, page *pkmtypes.Page, block *pkmtypes.Block, edges []archivedEdgeStub) error {
	now := time.Now().UTC()
	if s.archiveFile == "" || now.Sub(s.archiveFileOpenedAt) > 30*time.Second {
		s.archiveFile = filepath.Join(s.archiveDir(), fmt.Sprintf("archive_%s.json", now.Format("20060102_150405")))
		s.archiveFileOpenedAt = now
	}

	rec := pkmtypes.ArchiveRecord{DeletedAt: now, NodeKind: kind, Page: page, Block: block}
	for _, e := range edges {
		rec.Edges = append(rec.Edges, pkmtypes.ArchivedEdge{Kind: e.Kind, Source: e.From, Target: e.To})
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("graphstore: marshal archive record: %w", err)
	}
	if err := atomicfile.AppendJSONLine(s.archiveFile, data); err != nil {
		return fmt.Errorf("graphstore: append archive: %w", err)
	}
	return nil
}

// Verify removes every page/block currently in the store that is absent
// from the expected sets supplied by an authoritative bulk-sync
// collaborator, archiving each removal. It returns the count archived.
func (s *Store) Verify(expectedPages, expectedBlocks map[string]struct{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []string
	for extID, id := range s.pkmToNode {
		rec := s.nodes[id]
		switch rec.Kind {
		case pkmtypes.NodeKindPage:
			if _, ok := expectedPages[rec.Page.NormalizedName]; !ok {
				toRemove = append(toRemove, extID)
			}
		case pkmtypes.NodeKindBlock:
			if _, ok := expectedBlocks[rec.Block.ID]; !ok {
				toRemove = append(toRemove, extID)
			}
		}
	}

	count := 0
	for _, extID := range toRemove {
		id, ok := s.pkmToNode[extID]
		if !ok {
			continue
		}
		rec := s.nodes[id]
		edges := s.allIncidentEdgesLocked(id)
		if err := s.archiveLocked(rec.Kind, rec.Page, rec.Block, edges); err != nil {
			return count, err
		}
		s.removeNodeLocked(extID)
		count++
	}
	return count, nil
}
