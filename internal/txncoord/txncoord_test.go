package txncoord

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/kenaz/internal/graphstore"
	"github.com/starford/kenaz/internal/pkmtypes"
	"github.com/starford/kenaz/internal/wal"
)

func newTestCoordinator(t *testing.T, derive Deriver, send Sender) (*Coordinator, *graphstore.Store, *wal.WAL) {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(filepath.Join(dir, "txn.db"), nil)
	if err != nil {
		t.Fatalf("wal open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	store, err := graphstore.New("g1", dir, nil)
	if err != nil {
		t.Fatalf("graphstore new: %v", err)
	}

	c := New("g1", w, store, nil, derive, send)
	t.Cleanup(c.Close)
	return c, store, w
}

func insertPageOp(name string) pkmtypes.Operation {
	return pkmtypes.Operation{Kind: pkmtypes.OpInsertPage, GraphID: "g1", Page: &pkmtypes.PageArgs{Name: name}}
}

func TestBeginApplyLocalNoCommandCommitsImmediately(t *testing.T) {
	c, store, _ := newTestCoordinator(t, nil, nil)

	txn, dup, err := c.Begin(insertPageOp("Alpha"))
	if err != nil || dup {
		t.Fatalf("begin: dup=%v err=%v", dup, err)
	}
	if txn.State != pkmtypes.TxnActive {
		t.Fatalf("expected Active, got %v", txn.State)
	}

	committed, err := c.ApplyLocal(txn.ID)
	if err != nil {
		t.Fatalf("apply_local: %v", err)
	}
	if committed.State != pkmtypes.TxnCommitted {
		t.Fatalf("expected Committed, got %v", committed.State)
	}
	if _, _, _, ok := store.GetNode("alpha"); !ok {
		t.Fatalf("expected page applied to graph store")
	}
}

func TestBeginDedupesByFingerprint(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil, nil)

	op := insertPageOp("Alpha")
	first, dup, err := c.Begin(op)
	if err != nil || dup {
		t.Fatalf("first begin: dup=%v err=%v", dup, err)
	}

	second, dup, err := c.Begin(op)
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if !dup {
		t.Fatalf("expected duplicate on identical operation")
	}
	if second.ID != first.ID {
		t.Fatalf("expected dedup to bind to %s, got %s", first.ID, second.ID)
	}
}

func TestApplyLocalWithCommandWaitsForAck(t *testing.T) {
	derive := func(op pkmtypes.Operation) (pkmtypes.Command, bool) {
		return pkmtypes.Command{Type: pkmtypes.CommandCreatePage, Name: op.Page.Name}, true
	}
	var sent pkmtypes.Command
	send := func(cmd pkmtypes.Command) error {
		sent = cmd
		return nil
	}
	c, _, _ := newTestCoordinator(t, derive, send)

	txn, _, err := c.Begin(insertPageOp("Alpha"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	waiting, err := c.ApplyLocal(txn.ID)
	if err != nil {
		t.Fatalf("apply_local: %v", err)
	}
	if waiting.State != pkmtypes.TxnWaitingForAck {
		t.Fatalf("expected WaitingForAck, got %v", waiting.State)
	}
	if sent.CorrelationID == "" || sent.CorrelationID != waiting.CorrelationID {
		t.Fatalf("expected sent command correlation id to match transaction")
	}

	committed, err := c.OnAck(waiting.CorrelationID, AckResult{Success: true, BlockUUID: "real-id"})
	if err != nil {
		t.Fatalf("on_ack: %v", err)
	}
	if committed.State != pkmtypes.TxnCommitted {
		t.Fatalf("expected Committed after successful ack, got %v", committed.State)
	}
}

func TestOnAckFailureRollsBack(t *testing.T) {
	derive := func(op pkmtypes.Operation) (pkmtypes.Command, bool) {
		return pkmtypes.Command{Type: pkmtypes.CommandCreatePage, Name: op.Page.Name}, true
	}
	send := func(cmd pkmtypes.Command) error { return nil }
	c, store, _ := newTestCoordinator(t, derive, send)

	txn, _, err := c.Begin(insertPageOp("Alpha"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	waiting, err := c.ApplyLocal(txn.ID)
	if err != nil {
		t.Fatalf("apply_local: %v", err)
	}

	aborted, err := c.OnAck(waiting.CorrelationID, AckResult{Success: false, ErrorMessage: "editor rejected"})
	if err != nil {
		t.Fatalf("on_ack: %v", err)
	}
	if aborted.State != pkmtypes.TxnAborted {
		t.Fatalf("expected Aborted, got %v", aborted.State)
	}
	if _, _, _, ok := store.GetNode("alpha"); ok {
		t.Fatalf("expected page rolled back after ack failure")
	}
}

func TestOnTimeoutAbortsAndRollsBack(t *testing.T) {
	derive := func(op pkmtypes.Operation) (pkmtypes.Command, bool) {
		return pkmtypes.Command{Type: pkmtypes.CommandCreatePage, Name: op.Page.Name}, true
	}
	send := func(cmd pkmtypes.Command) error { return nil }
	c, store, _ := newTestCoordinator(t, derive, send)

	txn, _, err := c.Begin(insertPageOp("Alpha"))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	waiting, err := c.ApplyLocal(txn.ID)
	if err != nil {
		t.Fatalf("apply_local: %v", err)
	}

	aborted, err := c.OnTimeout(waiting.CorrelationID)
	if err != nil {
		t.Fatalf("on_timeout: %v", err)
	}
	if aborted.State != pkmtypes.TxnAborted {
		t.Fatalf("expected Aborted, got %v", aborted.State)
	}
	if _, _, _, ok := store.GetNode("alpha"); ok {
		t.Fatalf("expected page rolled back after timeout")
	}
}

func TestRecoverAbortsStaleWaitingForAck(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(filepath.Join(dir, "txn.db"), nil)
	if err != nil {
		t.Fatalf("wal open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	store, err := graphstore.New("g1", dir, nil)
	if err != nil {
		t.Fatalf("graphstore new: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	op := insertPageOp("Alpha")
	if _, err := store.Apply(op); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := w.Append(pkmtypes.TxnRecord{
		ID: "t1", GraphID: "g1", Op: op, Fingerprint: "fp1",
		State: pkmtypes.TxnWaitingForAck, CorrelationID: "c1", Deadline: &past,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	c := New("g1", w, store, nil, nil, nil)
	defer c.Close()

	recovered, err := c.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("expected stale waiting-for-ack txn to be aborted not recovered, got %v", recovered)
	}
	got, err := w.Get("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != pkmtypes.TxnAborted {
		t.Fatalf("expected t1 aborted by recovery, got %v", got.State)
	}
}
