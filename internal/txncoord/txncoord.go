// Package txncoord implements the per-graph transaction coordinator: the
// state machine that drives an Operation from Active through
// WaitingForAck (when an outbound command is required) to its terminal
// Committed or Aborted state, deduplicating by content fingerprint and
// rolling back via the graph store's pre-image reversal on failure.
//
// Concurrency model follows the teacher's SSE broker: a single goroutine
// owns all mutable coordinator state (pending acks, deadlines) and every
// public method talks to it over a channel, so no mutex guards the hot
// path. The graph store's own lock still serializes Apply/Reverse calls
// within the graph.
package txncoord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kenaz/internal/apperr"
	"github.com/starford/kenaz/internal/fingerprint"
	"github.com/starford/kenaz/internal/graphstore"
	"github.com/starford/kenaz/internal/pkmtypes"
	"github.com/starford/kenaz/internal/wal"
)

// AckResult is what on_ack reports back for a correlation id.
type AckResult struct {
	Success      bool
	BlockUUID    string
	ErrorMessage string
}

// Deriver decides, from an Operation, whether apply_local must emit an
// outbound command (one the external editor has to realize before the
// change can be committed) and what that command looks like.
type Deriver func(op pkmtypes.Operation) (pkmtypes.Command, bool)

// Sender enqueues an outbound command, which already carries its
// correlation id. An error means the command was not delivered now; the
// transaction still waits for its ack until the deadline.
type Sender func(cmd pkmtypes.Command) error

// Coordinator drives one graph's transactions.
type Coordinator struct {
	graphID string
	w       *wal.WAL
	store   *graphstore.Store
	logger  *slog.Logger
	derive  Deriver
	send    Sender

	ackTimeout time.Duration

	reqCh  chan request
	stopCh chan struct{}
	done   chan struct{}
}

type requestKind int

const (
	reqBegin requestKind = iota
	reqApplyLocal
	reqOnAck
	reqOnTimeout
)

type request struct {
	kind            requestKind
	op              pkmtypes.Operation
	txnID           string
	corrID          string
	ack             AckResult
	suppressCommand bool
	reply           chan response
}

type response struct {
	txn       pkmtypes.TxnRecord
	duplicate bool
	err       error
}

// New constructs a coordinator for one graph. derive and send may be nil
// if this graph never issues outbound commands (e.g. inbound real-time
// sync writes, which commit locally with no command emitted).
func New(graphID string, w *wal.WAL, store *graphstore.Store, logger *slog.Logger, derive Deriver, send Sender) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		graphID:    graphID,
		w:          w,
		store:      store,
		logger:     logger,
		derive:     derive,
		send:       send,
		ackTimeout: 30 * time.Second,
		reqCh:      make(chan request),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.run()
	return c
}

// Close stops the coordinator's owning goroutine.
func (c *Coordinator) Close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.stopCh)
	<-c.done
}

func (c *Coordinator) run() {
	defer close(c.done)
	timers := make(map[string]*time.Timer) // txn id -> ack deadline timer

	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-c.stopCh:
			return
		case req := <-c.reqCh:
			switch req.kind {
			case reqBegin:
				txn, dup, err := c.handleBegin(req.op)
				req.reply <- response{txn: txn, duplicate: dup, err: err}
			case reqApplyLocal:
				txn, err := c.handleApplyLocal(req.txnID, req.suppressCommand, timers)
				req.reply <- response{txn: txn, err: err}
			case reqOnAck:
				txn, err := c.handleAck(req.corrID, req.ack, timers)
				req.reply <- response{txn: txn, err: err}
			case reqOnTimeout:
				txn, err := c.handleAck(req.corrID, AckResult{Success: false, ErrorMessage: "timeout"}, timers)
				req.reply <- response{txn: txn, err: err}
			}
		}
	}
}

func (c *Coordinator) call(req request) (pkmtypes.TxnRecord, error) {
	resp, err := c.callFull(req)
	return resp.txn, err
}

func (c *Coordinator) callFull(req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case c.reqCh <- req:
	case <-c.done:
		return response{}, apperr.ErrChannelClosed
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-c.done:
		return response{}, apperr.ErrChannelClosed
	}
}

// Begin computes the operation's fingerprint and either binds to an
// existing pending or committed transaction with the same fingerprint (duplicate
// is true, and this is reported to the caller as success, not re-applied)
// or opens a fresh Active record.
func (c *Coordinator) Begin(op pkmtypes.Operation) (txn pkmtypes.TxnRecord, duplicate bool, err error) {
	resp, err := c.callFull(request{kind: reqBegin, op: op})
	return resp.txn, resp.duplicate, err
}

func (c *Coordinator) handleBegin(op pkmtypes.Operation) (pkmtypes.TxnRecord, bool, error) {
	fp := fingerprint.Of(op)

	if existing, ok, err := c.w.FindByFingerprint(fp); err != nil {
		return pkmtypes.TxnRecord{}, false, err
	} else if ok && existing.State != pkmtypes.TxnAborted {
		c.logger.Info("duplicate operation bound to existing transaction", "txn_id", existing.ID, "fingerprint", fp)
		return existing, true, nil
	}

	now := time.Now().UTC()
	txn := pkmtypes.TxnRecord{
		ID:          uuid.NewString(),
		GraphID:     c.graphID,
		Op:          op,
		Fingerprint: fp,
		State:       pkmtypes.TxnActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.w.Append(txn); err != nil {
		return pkmtypes.TxnRecord{}, false, fmt.Errorf("%w: %v", apperr.ErrWALIO, err)
	}
	return txn, false, nil
}

// ApplyLocal instructs the graph store to apply the transaction's
// operation. If no outbound command is required it commits immediately;
// otherwise it transitions to WaitingForAck with a fresh correlation id
// and a 30 second ack deadline.
func (c *Coordinator) ApplyLocal(txnID string) (pkmtypes.TxnRecord, error) {
	return c.call(request{kind: reqApplyLocal, txnID: txnID})
}

// ApplyLocalNoCommand applies the transaction's operation and commits it
// immediately, never deriving or emitting an outbound command regardless
// of what the coordinator's Deriver would otherwise say. Used for
// operations that originate from the editor's own real-time stream: the
// change already exists on the editor side, so echoing a command back
// would loop.
func (c *Coordinator) ApplyLocalNoCommand(txnID string) (pkmtypes.TxnRecord, error) {
	return c.call(request{kind: reqApplyLocal, txnID: txnID, suppressCommand: true})
}

func (c *Coordinator) handleApplyLocal(txnID string, suppressCommand bool, timers map[string]*time.Timer) (pkmtypes.TxnRecord, error) {
	txn, err := c.w.Get(txnID)
	if err != nil {
		return pkmtypes.TxnRecord{}, err
	}

	preImage, err := c.store.Apply(txn.Op)
	if err != nil {
		aborted, aerr := c.w.UpdateState(txnID, pkmtypes.TxnAborted, func(t *pkmtypes.TxnRecord) {
			t.ErrorMessage = err.Error()
		})
		if aerr != nil {
			return pkmtypes.TxnRecord{}, aerr
		}
		return aborted, fmt.Errorf("%w: %v", apperr.ErrGraphInvariant, err)
	}

	var cmd pkmtypes.Command
	needsAck := false
	if c.derive != nil && !suppressCommand {
		cmd, needsAck = c.derive(txn.Op)
	}

	if !needsAck {
		return c.w.UpdateState(txnID, pkmtypes.TxnCommitted, func(t *pkmtypes.TxnRecord) {
			t.PreImage = preImage
		})
	}

	corrID := uuid.NewString()
	cmd.CorrelationID = corrID
	deadline := time.Now().UTC().Add(c.ackTimeout)
	txn, err = c.w.UpdateState(txnID, pkmtypes.TxnWaitingForAck, func(t *pkmtypes.TxnRecord) {
		t.PreImage = preImage
		t.CorrelationID = corrID
		t.Deadline = &deadline
	})
	if err != nil {
		return pkmtypes.TxnRecord{}, err
	}

	if c.send != nil {
		if err := c.send(cmd); err != nil {
			// The command channel keeps an undelivered command pending and
			// re-emits it on reconnect, so the transaction keeps waiting.
			c.logger.Warn("outbound command not delivered yet", "txn_id", txnID, "error", err)
		}
	}

	timers[corrID] = time.AfterFunc(c.ackTimeout, func() {
		_, _ = c.OnTimeout(corrID)
	})
	return txn, nil
}

// OnAck reports the outcome of an outbound command's acknowledgment.
func (c *Coordinator) OnAck(correlationID string, result AckResult) (pkmtypes.TxnRecord, error) {
	return c.call(request{kind: reqOnAck, corrID: correlationID, ack: result})
}

// OnTimeout is equivalent to a failure ack with reason "timeout".
func (c *Coordinator) OnTimeout(correlationID string) (pkmtypes.TxnRecord, error) {
	return c.call(request{kind: reqOnTimeout, corrID: correlationID})
}

func (c *Coordinator) handleAck(correlationID string, result AckResult, timers map[string]*time.Timer) (pkmtypes.TxnRecord, error) {
	if t, ok := timers[correlationID]; ok {
		t.Stop()
		delete(timers, correlationID)
	}

	txn, err := c.findByCorrelationLocked(correlationID)
	if err != nil {
		return pkmtypes.TxnRecord{}, err
	}
	if txn.State != pkmtypes.TxnWaitingForAck {
		return txn, fmt.Errorf("%w: txn %s not awaiting ack", apperr.ErrGraphInvariant, txn.ID)
	}

	if result.Success {
		return c.w.UpdateState(txn.ID, pkmtypes.TxnCommitted, nil)
	}
	return c.reverseAndAbort(txn.ID, txn, result.ErrorMessage)
}

func (c *Coordinator) reverseAndAbort(txnID string, txn pkmtypes.TxnRecord, reason string) (pkmtypes.TxnRecord, error) {
	if err := c.store.Reverse(txn.Op, txn.PreImage); err != nil {
		c.logger.Error("rollback failed", "txn_id", txnID, "error", err)
	}
	return c.w.UpdateState(txnID, pkmtypes.TxnAborted, func(t *pkmtypes.TxnRecord) {
		t.ErrorMessage = reason
	})
}

// findByCorrelationLocked scans pending transactions for a matching
// correlation id. The pending set is small (one per in-flight ack) so a
// linear scan over the WAL's pending index is sufficient.
func (c *Coordinator) findByCorrelationLocked(correlationID string) (pkmtypes.TxnRecord, error) {
	ids, err := c.w.Pending()
	if err != nil {
		return pkmtypes.TxnRecord{}, err
	}
	for _, id := range ids {
		txn, err := c.w.Get(id)
		if err != nil {
			continue
		}
		if txn.CorrelationID == correlationID {
			return txn, nil
		}
	}
	return pkmtypes.TxnRecord{}, fmt.Errorf("%w: correlation id %s", apperr.ErrNotFound, correlationID)
}

// Get returns the current record for txnID, for collaborators (the saga
// coordinator, status endpoints) that need to inspect state without
// going through begin/apply_local/on_ack.
func (c *Coordinator) Get(txnID string) (pkmtypes.TxnRecord, error) {
	return c.w.Get(txnID)
}

// Compensate reverses a transaction's local mutation using its stored
// pre-image, regardless of the transaction's current state. Used by the
// saga coordinator to compensate a previously committed step; it does
// not transition the transaction's own WAL state, since compensation is
// the saga's concern, not this transaction's.
func (c *Coordinator) Compensate(txnID string) error {
	txn, err := c.w.Get(txnID)
	if err != nil {
		return err
	}
	return c.store.Reverse(txn.Op, txn.PreImage)
}

// Recover loads non-terminal transactions at startup. Active records are
// retriable by the caller; WaitingForAck records older than the ack
// timeout are aborted with rollback, the rest are left pending for a
// reconnecting editor to deliver the missed ack.
func (c *Coordinator) Recover(ctx context.Context) ([]pkmtypes.TxnRecord, error) {
	unrecovered, err := c.w.IterUnrecovered()
	if err != nil {
		return nil, err
	}

	var recovered []pkmtypes.TxnRecord
	for _, txn := range unrecovered {
		select {
		case <-ctx.Done():
			return recovered, ctx.Err()
		default:
		}

		if txn.State == pkmtypes.TxnWaitingForAck && txn.Deadline != nil && time.Now().UTC().After(*txn.Deadline) {
			c.logger.Warn("timing out stale waiting-for-ack transaction on recovery", "txn_id", txn.ID)
			if _, err := c.reverseAndAbort(txn.ID, txn, "timeout during recovery"); err != nil {
				c.logger.Error("recovery rollback failed", "txn_id", txn.ID, "error", err)
			}
			continue
		}
		recovered = append(recovered, txn)
	}
	return recovered, nil
}
