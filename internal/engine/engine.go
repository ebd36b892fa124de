// Package engine wires the multi-graph registry, per-graph write-ahead
// logs, transaction coordinators, and graph stores into the five
// ingestion entry points (spec section 6.1): ingest_batch, verify,
// sync_status, touch_sync, validate_editor_config. It is the core this
// repository's HTTP binding (internal/ingestapi) and command channel
// dispatch call into; it has no transport concerns of its own.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/starford/kenaz/internal/apperr"
	"github.com/starford/kenaz/internal/graphstore"
	"github.com/starford/kenaz/internal/pkmtypes"
	"github.com/starford/kenaz/internal/registry"
	"github.com/starford/kenaz/internal/saga"
	"github.com/starford/kenaz/internal/txncoord"
	"github.com/starford/kenaz/internal/wal"
)

// Origin distinguishes a local write (submitted by the HTTP ingestion
// surface, which may need to be mirrored out to the editor) from a
// remote one (already realized on the editor side, streamed back for
// indexing; never re-emitted).
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ItemKind is the node kind an ingest item describes.
type ItemKind string

const (
	ItemPage  ItemKind = "page"
	ItemBlock ItemKind = "block"
)

// Item is one entry of an ingest_batch call. Which fields apply depends
// on Kind: Name/Properties for a page, everything else for a block. A
// Block item with an empty ID is a fresh creation; for Origin local the
// engine mints a temporary id and drives its confirmation through a saga
// so the id can be swapped for the editor's real one once acknowledged.
// For Origin remote no id is minted.
type Item struct {
	Kind          ItemKind
	ID            string
	Content       string
	Page          string
	ParentID      string
	LeftSiblingID string
	Format        string
	Properties    map[string]any
}

// ItemResult reports what happened to one ingested item.
type ItemResult struct {
	ID        string
	Duplicate bool
	Skipped   bool   // empty block content filtered at ingestion; not an error
	SagaID    string // set only when the item is pending editor confirmation
	Err       error
}

// BatchResult aggregates per-item outcomes.
type BatchResult struct {
	Items []ItemResult
}

const tempIDPrefix = "temp-"

func looksTemp(id string) bool { return strings.HasPrefix(id, tempIDPrefix) }

type graphBundle struct {
	store *graphstore.Store
	w     *wal.WAL
	coord *txncoord.Coordinator
}

type pendingOutbound struct {
	graphID string
	sagaID  string
	txnID   string
	tempID  string
}

// CommandSender delivers one outbound command to the connected editor.
// Satisfied by *commandchannel.Manager; kept as a narrow interface here
// so the engine can be exercised without a live connection.
type CommandSender interface {
	Enqueue(cmd pkmtypes.Command) error
}

// Engine owns every open graph's WAL/store/coordinator triple, the
// multi-graph registry, the saga coordinator, and (optionally) the
// command channel used to mirror local writes out to the editor.
type Engine struct {
	dataDir  string
	logger   *slog.Logger
	triggers graphstore.SnapshotTriggers

	registry *registry.Registry
	sagaC    *saga.Coordinator
	channel  CommandSender

	mu     sync.Mutex
	graphs map[string]*graphBundle

	pendingMu sync.Mutex
	pending   map[string]pendingOutbound // correlation id -> outbound step awaiting resolution
}

// New constructs an Engine rooted at dataDir. channel may be nil, in
// which case every local block creation fails fast with
// apperr.ErrChannelClosed rather than hanging on a connection that will
// never arrive.
func New(dataDir string, reg *registry.Registry, sagaC *saga.Coordinator, channel CommandSender, triggers graphstore.SnapshotTriggers, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dataDir:  dataDir,
		logger:   logger,
		triggers: triggers,
		registry: reg,
		sagaC:    sagaC,
		channel:  channel,
		graphs:   make(map[string]*graphBundle),
		pending:  make(map[string]pendingOutbound),
	}
}

// OnAck is wired as the command channel's AckHandler. It resolves the
// coordinator's waiting transaction, then the owning saga's bookkeeping,
// adopting the editor's real id for a successful block_created ack.
func (e *Engine) OnAck(ack pkmtypes.Ack) {
	e.pendingMu.Lock()
	entry, ok := e.pending[ack.CorrelationID]
	if ok {
		delete(e.pending, ack.CorrelationID)
	}
	e.pendingMu.Unlock()
	if !ok {
		e.logger.Warn("ack for unknown correlation id", "correlation_id", ack.CorrelationID)
		return
	}

	e.mu.Lock()
	bundle := e.graphs[entry.graphID]
	e.mu.Unlock()
	if bundle == nil {
		e.logger.Error("ack for unknown graph", "graph_id", entry.graphID)
		return
	}

	if _, err := bundle.coord.OnAck(ack.CorrelationID, txncoord.AckResult{
		Success: ack.Success, BlockUUID: ack.BlockUUID, ErrorMessage: ack.Error,
	}); err != nil {
		e.logger.Error("coordinator on_ack failed", "error", err)
		return
	}

	if _, err := e.sagaC.ResolveOutboundStep(entry.sagaID, entry.graphID, entry.txnID); err != nil {
		// The underlying transaction was aborted or timed out;
		// ResolveOutboundStep has already compensated the saga's completed
		// steps, so there is nothing left to adopt or complete.
		e.logger.Warn("saga step failed after ack", "saga_id", entry.sagaID, "error", err)
		return
	}

	if ack.Success && ack.BlockUUID != "" {
		if _, err := e.sagaC.AdoptExternalID(entry.sagaID, entry.graphID, entry.tempID, ack.BlockUUID); err != nil {
			e.logger.Error("adopt external id failed", "saga_id", entry.sagaID, "error", err)
			return
		}
	}
	if _, err := e.sagaC.Complete(entry.sagaID); err != nil {
		e.logger.Error("saga completion failed", "saga_id", entry.sagaID, "error", err)
	}
}

func deriveForGraph(op pkmtypes.Operation) (pkmtypes.Command, bool) {
	if op.Kind != pkmtypes.OpInsertBlock || op.Block == nil || !looksTemp(op.Block.ID) {
		return pkmtypes.Command{}, false
	}
	var parentID *string
	if op.Block.ParentID != "" {
		parentID = &op.Block.ParentID
	}
	var pageName *string
	if op.Block.Page != "" {
		pageName = &op.Block.Page
	}
	return pkmtypes.Command{
		Type:     pkmtypes.CommandCreateBlock,
		TempID:   op.Block.ID,
		Content:  op.Block.Content,
		ParentID: parentID,
		PageName: pageName,
	}, true
}

// graphBundleFor resolves sel through the registry and lazily opens (or
// returns the already-open) store/WAL/coordinator triple for that graph.
func (e *Engine) graphBundleFor(sel registry.Selector) (*graphBundle, pkmtypes.GraphRecord, error) {
	rec, err := e.registry.GetOrCreate(sel)
	if err != nil {
		return nil, pkmtypes.GraphRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.graphs[rec.ID]; ok {
		return b, rec, nil
	}

	graphDir := filepath.Join(e.dataDir, "graphs", rec.ID)
	if err := os.MkdirAll(filepath.Join(graphDir, "transaction_log"), 0o755); err != nil {
		return nil, pkmtypes.GraphRecord{}, fmt.Errorf("engine: create graph dir: %w", err)
	}

	store, err := graphstore.New(rec.ID, e.dataDir, e.logger)
	if err != nil {
		return nil, pkmtypes.GraphRecord{}, err
	}
	w, err := wal.Open(filepath.Join(graphDir, "transaction_log", "wal.db"), e.logger)
	if err != nil {
		return nil, pkmtypes.GraphRecord{}, err
	}

	var send txncoord.Sender
	if e.channel != nil {
		send = e.channel.Enqueue
	}
	coord := txncoord.New(rec.ID, w, store, e.logger, deriveForGraph, send)

	b := &graphBundle{store: store, w: w, coord: coord}
	e.graphs[rec.ID] = b
	if e.sagaC != nil {
		e.sagaC.RegisterGraph(rec.ID, coord, store)
	}
	return b, rec, nil
}

func toOperation(graphID string, item Item) (pkmtypes.Operation, error) {
	switch item.Kind {
	case ItemPage:
		if item.ID == "" {
			return pkmtypes.Operation{}, fmt.Errorf("%w: page item requires a name", apperr.ErrInvalidPayload)
		}
		return pkmtypes.Operation{
			Kind: pkmtypes.OpInsertPage, GraphID: graphID,
			Page: &pkmtypes.PageArgs{Name: item.ID, Properties: item.Properties},
		}, nil
	case ItemBlock:
		return pkmtypes.Operation{
			Kind: pkmtypes.OpInsertBlock, GraphID: graphID,
			Block: &pkmtypes.BlockArgs{
				ID: item.ID, Content: item.Content, Properties: item.Properties,
				ParentID: item.ParentID, Page: item.Page, LeftSiblingID: item.LeftSiblingID, Format: item.Format,
			},
		}, nil
	default:
		return pkmtypes.Operation{}, fmt.Errorf("%w: unknown item kind %q", apperr.ErrInvalidPayload, item.Kind)
	}
}

// IngestBatch applies each item as its own transaction, with the store's
// snapshot triggers suppressed for the call's duration so a multi-item
// batch never snapshots midway through. Origin remote never produces an
// outbound command regardless of content, matching the real-time-sync
// control flow; Origin local mirrors fresh block creations to the editor
// through a saga so the temporary id can be adopted once acknowledged.
func (e *Engine) IngestBatch(sel registry.Selector, items []Item, origin Origin) (BatchResult, error) {
	b, rec, err := e.graphBundleFor(sel)
	if err != nil {
		return BatchResult{}, err
	}

	b.store.SuppressSnapshots()

	var out BatchResult
	for _, item := range items {
		out.Items = append(out.Items, e.ingestOne(b, rec.ID, item, origin))
	}
	b.store.ResumeSnapshots()
	if b.store.DueForSnapshot(e.triggers) {
		if err := b.store.Snapshot(); err != nil {
			e.logger.Error("snapshot failed", "graph_id", rec.ID, "error", err)
		}
	}
	return out, nil
}

func (e *Engine) ingestOne(b *graphBundle, graphID string, item Item, origin Origin) ItemResult {
	// Empty block content is filtered at ingestion; it is not an error and
	// produces no transaction (e.g. an edit clearing a block to nothing).
	if item.Kind == ItemBlock && item.Content == "" {
		return ItemResult{ID: item.ID, Skipped: true}
	}

	if item.Kind == ItemBlock && item.ID == "" && origin == OriginLocal {
		item.ID = tempIDPrefix + uuid.NewString()
	}

	op, err := toOperation(graphID, item)
	if err != nil {
		return ItemResult{Err: err}
	}

	if origin == OriginRemote {
		txn, dup, err := b.coord.Begin(op)
		if err != nil {
			return ItemResult{Err: err}
		}
		if dup {
			return ItemResult{ID: item.ID, Duplicate: true}
		}
		if _, err := b.coord.ApplyLocalNoCommand(txn.ID); err != nil {
			return ItemResult{Err: err}
		}
		return ItemResult{ID: item.ID}
	}

	needsSaga := item.Kind == ItemBlock && looksTemp(op.Block.ID)
	if needsSaga && e.channel == nil {
		return ItemResult{ID: item.ID, Err: apperr.ErrChannelClosed}
	}
	if !needsSaga || e.sagaC == nil {
		txn, dup, err := b.coord.Begin(op)
		if err != nil {
			return ItemResult{Err: err}
		}
		if dup {
			return ItemResult{ID: item.ID, Duplicate: true}
		}
		if _, err := b.coord.ApplyLocal(txn.ID); err != nil {
			return ItemResult{Err: err}
		}
		return ItemResult{ID: item.ID}
	}

	sagaRec, err := e.sagaC.Begin("create_block_workflow")
	if err != nil {
		return ItemResult{Err: err}
	}
	cmd, _ := deriveForGraph(op)
	// pendingMu is held across the send so an ack arriving before the
	// correlation id is registered waits in OnAck instead of being dropped.
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	sagaRec, err = e.sagaC.AddOutboundCommand(sagaRec.ID, graphID, op, cmd)
	if err != nil {
		return ItemResult{ID: item.ID, Err: err}
	}

	last := sagaRec.Steps[len(sagaRec.Steps)-1]
	if last.State == pkmtypes.TxnWaitingForAck {
		e.pending[last.CorrelationID] = pendingOutbound{
			graphID: graphID, sagaID: sagaRec.ID, txnID: last.TxnID, tempID: item.ID,
		}
	}
	return ItemResult{ID: item.ID, SagaID: sagaRec.ID}
}

// Verify runs the graph store's verify operation and returns the count
// of nodes archived.
func (e *Engine) Verify(sel registry.Selector, expectedPages, expectedBlocks map[string]struct{}) (int, error) {
	b, _, err := e.graphBundleFor(sel)
	if err != nil {
		return 0, err
	}
	return b.store.Verify(expectedPages, expectedBlocks)
}

// SyncStatusResult mirrors spec section 6.1's sync_status response.
type SyncStatusResult struct {
	LastIncrementalSync string
	LastFullSync        string
	NodeCount           int
	EdgeCount           int
}

// SyncStatus reports the two sync timestamps and current node/edge counts.
func (e *Engine) SyncStatus(sel registry.Selector) (SyncStatusResult, error) {
	b, _, err := e.graphBundleFor(sel)
	if err != nil {
		return SyncStatusResult{}, err
	}
	incremental, full, nodes, edges := b.store.SyncStatus()
	res := SyncStatusResult{NodeCount: nodes, EdgeCount: edges}
	if !incremental.IsZero() {
		res.LastIncrementalSync = incremental.Format("2006-01-02T15:04:05Z")
	}
	if !full.IsZero() {
		res.LastFullSync = full.Format("2006-01-02T15:04:05Z")
	}
	return res, nil
}

// TouchSync updates the sync timestamp of the given kind ("incremental"
// or "full").
func (e *Engine) TouchSync(sel registry.Selector, kind string) error {
	b, _, err := e.graphBundleFor(sel)
	if err != nil {
		return err
	}
	return b.store.TouchSync(kind)
}

// EditorConfigStatus is the status contract returned by
// validate_editor_config; the repair itself is the editor-config
// collaborator's concern (out of scope, per SPEC_FULL section 1).
type EditorConfigStatus struct {
	Reconciled    bool
	HasHiddenProp bool
	HasGraphID    bool
}

// ValidateEditorConfig records whether the editor's config file carries
// the engine's hidden marker property and graph id, marking the
// registry entry reconciled once both are present.
func (e *Engine) ValidateEditorConfig(sel registry.Selector, hasHiddenProperty, hasGraphID bool) (EditorConfigStatus, error) {
	_, rec, err := e.graphBundleFor(sel)
	if err != nil {
		return EditorConfigStatus{}, err
	}
	status := EditorConfigStatus{HasHiddenProp: hasHiddenProperty, HasGraphID: hasGraphID}
	if hasHiddenProperty && hasGraphID {
		if err := e.registry.MarkConfigUpdated(rec.ID); err != nil {
			return status, err
		}
		status.Reconciled = true
	}
	return status, nil
}

// GetNode looks up a single node by its external id (page name or block
// id) for read-only introspection callers such as internal/mcptools.
func (e *Engine) GetNode(sel registry.Selector, externalID string) (pkmtypes.NodeKind, *pkmtypes.Page, *pkmtypes.Block, bool, error) {
	b, _, err := e.graphBundleFor(sel)
	if err != nil {
		return "", nil, nil, false, err
	}
	kind, page, block, ok := b.store.GetNode(externalID)
	return kind, page, block, ok, nil
}

// ListGraphs returns every registered graph.
func (e *Engine) ListGraphs() []pkmtypes.GraphRecord {
	return e.registry.All()
}

// RegisterGraph resolves or creates a registry entry for sel without
// opening its store, matching the thin `POST /api/graphs` binding.
func (e *Engine) RegisterGraph(sel registry.Selector) (pkmtypes.GraphRecord, error) {
	return e.registry.GetOrCreate(sel)
}

// Close shuts down every open graph's coordinator and WAL.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.graphs {
		b.coord.Close()
		_ = b.w.Close()
	}
}
