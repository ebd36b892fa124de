// Package saga implements the saga coordinator: composition of multiple
// transactions, possibly spanning graphs and including steps whose
// effect is realized by the external editor, into one atomic unit of
// user intent. On a step failure, previously completed steps are
// compensated in reverse order.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kenaz/internal/apperr"
	"github.com/starford/kenaz/internal/pkmtypes"
)

// GraphCoordinator is the subset of txncoord.Coordinator the saga
// coordinator needs for one graph.
type GraphCoordinator interface {
	Begin(op pkmtypes.Operation) (pkmtypes.TxnRecord, bool, error)
	ApplyLocal(txnID string) (pkmtypes.TxnRecord, error)
	Get(txnID string) (pkmtypes.TxnRecord, error)
	Compensate(txnID string) error
}

// Renamer adopts an editor-assigned id in place of a temporary one.
// Compensating an AdoptExternalId step renames the block back to its
// temporary id, so the reversal of the step that created it finds it.
type Renamer interface {
	RenameExternalID(oldID, newID string) error
}

// CommandSender dispatches a compensating command to the connected
// editor. Satisfied by *commandchannel.Manager; the same channel the
// engine uses to dispatch a saga's original outbound commands.
type CommandSender interface {
	Enqueue(cmd pkmtypes.Command) error
}

// Coordinator drives sagas across one or more graphs.
type Coordinator struct {
	mu     sync.Mutex
	log    *sagaLog
	logger *slog.Logger
	sender CommandSender

	coords   map[string]GraphCoordinator
	renamers map[string]Renamer
}

// Open opens (creating if absent) the global saga log at path. sender may
// be nil, in which case compensating an OutboundCommand step only
// reverses the local graph mutation; no paired inverse command is sent.
func Open(path string, logger *slog.Logger, sender CommandSender) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := openLog(path)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		log:      l,
		logger:   logger,
		sender:   sender,
		coords:   make(map[string]GraphCoordinator),
		renamers: make(map[string]Renamer),
	}, nil
}

// Close closes the underlying log file.
func (c *Coordinator) Close() error {
	return c.log.close()
}

// RegisterGraph wires a graph's transaction coordinator and graph store
// (for id-rename compensation) into the saga coordinator. Must be called
// before any saga step targets that graph.
func (c *Coordinator) RegisterGraph(graphID string, coord GraphCoordinator, renamer Renamer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coords[graphID] = coord
	c.renamers[graphID] = renamer
}

// Begin starts a new saga, persisted immediately in Running state.
func (c *Coordinator) Begin(kind string) (pkmtypes.SagaRecord, error) {
	now := time.Now().UTC()
	rec := pkmtypes.SagaRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		State:     pkmtypes.SagaRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.log.put(rec); err != nil {
		return pkmtypes.SagaRecord{}, err
	}
	return rec, nil
}

func (c *Coordinator) graphCoord(graphID string) (GraphCoordinator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coord, ok := c.coords[graphID]
	if !ok {
		return nil, fmt.Errorf("%w: saga graph %q not registered", apperr.ErrUnknownGraph, graphID)
	}
	return coord, nil
}

// AddLocalMutation runs op against graphID's coordinator and appends the
// resulting step to the saga. If the mutation fails, previously
// completed steps are compensated in reverse order and the saga is
// marked Compensated, or Failed if a compensating action itself errors.
func (c *Coordinator) AddLocalMutation(sagaID, graphID string, op pkmtypes.Operation) (pkmtypes.SagaRecord, error) {
	coord, err := c.graphCoord(graphID)
	if err != nil {
		return pkmtypes.SagaRecord{}, err
	}

	txn, _, err := coord.Begin(op)
	if err != nil {
		return c.failAndCompensate(sagaID, fmt.Sprintf("begin failed: %v", err))
	}
	applied, err := coord.ApplyLocal(txn.ID)
	if err != nil || applied.State == pkmtypes.TxnAborted {
		reason := "apply failed"
		if err != nil {
			reason = err.Error()
		}
		return c.failAndCompensate(sagaID, reason)
	}

	step := pkmtypes.SagaStep{Kind: pkmtypes.StepLocalMutation, TxnID: txn.ID, State: applied.State, Op: &op}
	return c.appendStep(sagaID, step)
}

// AddOutboundCommand runs op against graphID's coordinator, which may
// transition to WaitingForAck if the operation requires an outbound
// command. The returned step's state reflects that immediately; the
// caller must later call ResolveOutboundStep once the editor's ack (or a
// timeout) has resolved the underlying transaction.
func (c *Coordinator) AddOutboundCommand(sagaID, graphID string, op pkmtypes.Operation, cmd pkmtypes.Command) (pkmtypes.SagaRecord, error) {
	coord, err := c.graphCoord(graphID)
	if err != nil {
		return pkmtypes.SagaRecord{}, err
	}

	txn, _, err := coord.Begin(op)
	if err != nil {
		return c.failAndCompensate(sagaID, fmt.Sprintf("begin failed: %v", err))
	}
	applied, err := coord.ApplyLocal(txn.ID)
	if err != nil || applied.State == pkmtypes.TxnAborted {
		reason := "apply failed"
		if err != nil {
			reason = err.Error()
		}
		return c.failAndCompensate(sagaID, reason)
	}

	step := pkmtypes.SagaStep{
		Kind: pkmtypes.StepOutboundCommand, TxnID: txn.ID, State: applied.State,
		CorrelationID: applied.CorrelationID, Op: &op, Command: &cmd,
	}
	return c.appendStep(sagaID, step)
}

// ResolveOutboundStep is called once the per-graph coordinator has
// settled txnID's final state (Committed or Aborted, driven by its own
// on_ack / on_timeout). It updates the saga's bookkeeping and, on
// failure, compensates previously completed steps.
func (c *Coordinator) ResolveOutboundStep(sagaID, graphID, txnID string) (pkmtypes.SagaRecord, error) {
	coord, err := c.graphCoord(graphID)
	if err != nil {
		return pkmtypes.SagaRecord{}, err
	}
	txn, err := coord.Get(txnID)
	if err != nil {
		return pkmtypes.SagaRecord{}, err
	}

	rec, err := c.log.get(sagaID)
	if err != nil {
		return pkmtypes.SagaRecord{}, err
	}
	for i := range rec.Steps {
		if rec.Steps[i].TxnID == txnID {
			rec.Steps[i].State = txn.State
		}
	}
	if txn.State == pkmtypes.TxnAborted {
		rec.UpdatedAt = time.Now().UTC()
		if err := c.log.put(rec); err != nil {
			return pkmtypes.SagaRecord{}, err
		}
		return c.failAndCompensate(sagaID, "outbound command failed or timed out")
	}

	rec.UpdatedAt = time.Now().UTC()
	if err := c.log.put(rec); err != nil {
		return pkmtypes.SagaRecord{}, err
	}
	return rec, nil
}

// AdoptExternalID records the rewrite of a temporary id to the id the
// editor assigned, and applies it to the graph's store.
func (c *Coordinator) AdoptExternalID(sagaID, graphID, oldID, newID string) (pkmtypes.SagaRecord, error) {
	c.mu.Lock()
	renamer := c.renamers[graphID]
	c.mu.Unlock()
	if renamer == nil {
		return pkmtypes.SagaRecord{}, fmt.Errorf("%w: saga graph %q not registered", apperr.ErrUnknownGraph, graphID)
	}
	if err := renamer.RenameExternalID(oldID, newID); err != nil {
		return c.failAndCompensate(sagaID, fmt.Sprintf("adopt external id failed: %v", err))
	}
	step := pkmtypes.SagaStep{Kind: pkmtypes.StepAdoptExternalID, State: pkmtypes.TxnCommitted, OldID: oldID, NewID: newID}
	return c.appendStep(sagaID, step)
}

func (c *Coordinator) appendStep(sagaID string, step pkmtypes.SagaStep) (pkmtypes.SagaRecord, error) {
	rec, err := c.log.get(sagaID)
	if err != nil {
		return pkmtypes.SagaRecord{}, err
	}
	if rec.State != pkmtypes.SagaRunning {
		return pkmtypes.SagaRecord{}, fmt.Errorf("%w: saga %s in state %s", apperr.ErrGraphInvariant, sagaID, rec.State)
	}
	rec.Steps = append(rec.Steps, step)
	rec.UpdatedAt = time.Now().UTC()
	if err := c.log.put(rec); err != nil {
		return pkmtypes.SagaRecord{}, err
	}
	return rec, nil
}

// Complete marks a saga Completed. Its steps are left in place as an
// audit trail; they are never compensated once the saga has completed.
func (c *Coordinator) Complete(sagaID string) (pkmtypes.SagaRecord, error) {
	rec, err := c.log.get(sagaID)
	if err != nil {
		return pkmtypes.SagaRecord{}, err
	}
	if rec.State != pkmtypes.SagaRunning {
		return pkmtypes.SagaRecord{}, fmt.Errorf("%w: saga %s in state %s", apperr.ErrGraphInvariant, sagaID, rec.State)
	}
	rec.State = pkmtypes.SagaCompleted
	rec.UpdatedAt = time.Now().UTC()
	if err := c.log.put(rec); err != nil {
		return pkmtypes.SagaRecord{}, err
	}
	return rec, nil
}

// Fail manually aborts a running saga, compensating its completed steps
// in reverse order.
func (c *Coordinator) Fail(sagaID, reason string) (pkmtypes.SagaRecord, error) {
	return c.failAndCompensate(sagaID, reason)
}

func (c *Coordinator) failAndCompensate(sagaID, reason string) (pkmtypes.SagaRecord, error) {
	rec, err := c.log.get(sagaID)
	if err != nil {
		return pkmtypes.SagaRecord{}, err
	}
	rec.State = pkmtypes.SagaCompensating
	rec.UpdatedAt = time.Now().UTC()
	if err := c.log.put(rec); err != nil {
		return pkmtypes.SagaRecord{}, err
	}

	var compErr error
	for i := len(rec.Steps) - 1; i >= 0; i-- {
		step := rec.Steps[i]
		if step.State != pkmtypes.TxnCommitted {
			continue
		}
		switch step.Kind {
		case pkmtypes.StepLocalMutation, pkmtypes.StepOutboundCommand:
			coord, cerr := c.graphCoord(step.Op.GraphID)
			if cerr != nil {
				compErr = cerr
				continue
			}
			if err := coord.Compensate(step.TxnID); err != nil {
				c.logger.Error("saga compensation failed", "saga_id", sagaID, "txn_id", step.TxnID, "error", err)
				compErr = err
				continue
			}
			if step.Kind == pkmtypes.StepOutboundCommand && step.Command != nil && c.sender != nil {
				if inv, ok := inverseCommand(*step.Command, resolvedBlockID(rec, step.Command.TempID)); ok {
					if err := c.sender.Enqueue(inv); err != nil {
						c.logger.Error("compensating command dispatch failed", "saga_id", sagaID, "txn_id", step.TxnID, "error", err)
						compErr = err
					}
				}
			}
		case pkmtypes.StepAdoptExternalID:
			// Rename the block back to its temporary id first: the earlier
			// creation step's reversal removes the block by that id.
			for _, s := range rec.Steps {
				if s.Kind != pkmtypes.StepOutboundCommand || s.Op == nil || s.Command == nil || s.Command.TempID != step.OldID {
					continue
				}
				c.mu.Lock()
				renamer := c.renamers[s.Op.GraphID]
				c.mu.Unlock()
				if renamer != nil {
					if err := renamer.RenameExternalID(step.NewID, step.OldID); err != nil {
						compErr = err
					}
				}
				break
			}
		}
	}

	rec.State = pkmtypes.SagaCompensated
	if compErr != nil {
		rec.State = pkmtypes.SagaFailed
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := c.log.put(rec); err != nil {
		return pkmtypes.SagaRecord{}, err
	}
	if compErr != nil {
		return rec, fmt.Errorf("%s; compensation had errors: %w", reason, compErr)
	}
	return rec, fmt.Errorf("%s", reason)
}

// resolvedBlockID returns the editor-assigned id adopted in place of
// tempID, if AdoptExternalID has already run for it in this saga;
// otherwise tempID itself, still unacknowledged on the editor side.
func resolvedBlockID(rec pkmtypes.SagaRecord, tempID string) string {
	for _, s := range rec.Steps {
		if s.Kind == pkmtypes.StepAdoptExternalID && s.OldID == tempID {
			return s.NewID
		}
	}
	return tempID
}

// inverseCommand derives the paired compensating command for cmd, per
// spec section 4.6 (e.g. delete_block compensates create_block). Command
// kinds with no defined inverse report ok=false and are skipped.
func inverseCommand(cmd pkmtypes.Command, blockID string) (pkmtypes.Command, bool) {
	switch cmd.Type {
	case pkmtypes.CommandCreateBlock:
		return pkmtypes.Command{
			Type:          pkmtypes.CommandDeleteBlock,
			CorrelationID: uuid.NewString(),
			BlockID:       blockID,
		}, true
	default:
		return pkmtypes.Command{}, false
	}
}

// Get returns the current record for sagaID.
func (c *Coordinator) Get(sagaID string) (pkmtypes.SagaRecord, error) {
	return c.log.get(sagaID)
}

// Recover loads every non-terminal saga at startup so the caller can
// resume or grace-period-expire any step still WaitingForAck.
func (c *Coordinator) Recover(ctx context.Context) ([]pkmtypes.SagaRecord, error) {
	sagas, err := c.log.listNonTerminal()
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return sagas, nil
}
