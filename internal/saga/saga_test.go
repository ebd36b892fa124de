package saga

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/starford/kenaz/internal/graphstore"
	"github.com/starford/kenaz/internal/pkmtypes"
	"github.com/starford/kenaz/internal/txncoord"
	"github.com/starford/kenaz/internal/wal"
)

type fixture struct {
	saga  *Coordinator
	coord *txncoord.Coordinator
	store *graphstore.Store
}

// fakeSender records every command dispatched through it, standing in
// for a real commandchannel.Manager.
type fakeSender struct {
	mu   sync.Mutex
	sent []pkmtypes.Command
}

func (f *fakeSender) Enqueue(cmd pkmtypes.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeSender) commands() []pkmtypes.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pkmtypes.Command(nil), f.sent...)
}

func newFixture(t *testing.T, derive txncoord.Deriver, send txncoord.Sender) *fixture {
	return newFixtureWithSender(t, derive, send, nil)
}

func newFixtureWithSender(t *testing.T, derive txncoord.Deriver, send txncoord.Sender, sagaSender CommandSender) *fixture {
	t.Helper()
	dir := t.TempDir()

	w, err := wal.Open(filepath.Join(dir, "g1-txn.db"), nil)
	if err != nil {
		t.Fatalf("wal open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	store, err := graphstore.New("g1", dir, nil)
	if err != nil {
		t.Fatalf("graphstore new: %v", err)
	}

	coord := txncoord.New("g1", w, store, nil, derive, send)
	t.Cleanup(coord.Close)

	sc, err := Open(filepath.Join(dir, "sagas.db"), nil, sagaSender)
	if err != nil {
		t.Fatalf("saga open: %v", err)
	}
	t.Cleanup(func() { _ = sc.Close() })
	sc.RegisterGraph("g1", coord, store)

	return &fixture{saga: sc, coord: coord, store: store}
}

func TestCompleteSagaWithOnlyLocalMutations(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec, err := f.saga.Begin("create_page_and_block")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	op1 := pkmtypes.Operation{Kind: pkmtypes.OpInsertPage, GraphID: "g1", Page: &pkmtypes.PageArgs{Name: "Alpha"}}
	rec, err = f.saga.AddLocalMutation(rec.ID, "g1", op1)
	if err != nil {
		t.Fatalf("add step 1: %v", err)
	}
	if len(rec.Steps) != 1 || rec.Steps[0].State != pkmtypes.TxnCommitted {
		t.Fatalf("unexpected steps: %+v", rec.Steps)
	}

	op2 := pkmtypes.Operation{Kind: pkmtypes.OpInsertBlock, GraphID: "g1", Block: &pkmtypes.BlockArgs{ID: "b1", Content: "hi", Page: "alpha"}}
	rec, err = f.saga.AddLocalMutation(rec.ID, "g1", op2)
	if err != nil {
		t.Fatalf("add step 2: %v", err)
	}
	if len(rec.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(rec.Steps))
	}

	final, err := f.saga.Complete(rec.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if final.State != pkmtypes.SagaCompleted {
		t.Fatalf("expected Completed, got %v", final.State)
	}
}

func TestFailCompensatesCommittedStepsInReverse(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec, _ := f.saga.Begin("create_page_and_block")
	op1 := pkmtypes.Operation{Kind: pkmtypes.OpInsertPage, GraphID: "g1", Page: &pkmtypes.PageArgs{Name: "Alpha"}}
	rec, err := f.saga.AddLocalMutation(rec.ID, "g1", op1)
	if err != nil {
		t.Fatalf("add step: %v", err)
	}

	if _, _, _, ok := f.store.GetNode("alpha"); !ok {
		t.Fatalf("expected page alpha present before failure")
	}

	failed, err := f.saga.Fail(rec.ID, "user cancelled")
	if err == nil {
		t.Fatalf("expected Fail to return the failure reason as an error")
	}
	if failed.State != pkmtypes.SagaCompensated {
		t.Fatalf("expected Compensated, got %v", failed.State)
	}
	if _, _, _, ok := f.store.GetNode("alpha"); ok {
		t.Fatalf("expected page alpha compensated away after saga failure")
	}
}

func TestOutboundStepFailureCompensatesSaga(t *testing.T) {
	derive := func(op pkmtypes.Operation) (pkmtypes.Command, bool) {
		return pkmtypes.Command{Type: pkmtypes.CommandCreateBlock}, true
	}
	send := func(cmd pkmtypes.Command) error { return nil }
	f := newFixture(t, derive, send)

	rec, _ := f.saga.Begin("create_block_workflow")
	op := pkmtypes.Operation{Kind: pkmtypes.OpInsertBlock, GraphID: "g1", Block: &pkmtypes.BlockArgs{ID: "temp-1", Content: "hi", Page: "home"}}
	rec, err := f.saga.AddOutboundCommand(rec.ID, "g1", op, pkmtypes.Command{Type: pkmtypes.CommandCreateBlock, TempID: "temp-1"})
	if err != nil {
		t.Fatalf("add outbound step: %v", err)
	}
	if len(rec.Steps) != 1 || rec.Steps[0].State != pkmtypes.TxnWaitingForAck {
		t.Fatalf("expected one WaitingForAck step, got %+v", rec.Steps)
	}

	txnID := rec.Steps[0].TxnID
	if _, err := f.coord.OnAck(rec.Steps[0].CorrelationID, txncoord.AckResult{Success: false, ErrorMessage: "editor rejected"}); err != nil {
		t.Fatalf("on_ack: %v", err)
	}

	resolved, err := f.saga.ResolveOutboundStep(rec.ID, "g1", txnID)
	if err == nil {
		t.Fatalf("expected resolution of a failed ack to fail the saga")
	}
	if resolved.State != pkmtypes.SagaCompensated {
		t.Fatalf("expected Compensated, got %v", resolved.State)
	}
	if _, _, _, ok := f.store.GetNode("temp-1"); ok {
		t.Fatalf("expected block rolled back after outbound step failure")
	}
}

func TestCompensatingOutboundStepDispatchesInverseCommand(t *testing.T) {
	derive := func(op pkmtypes.Operation) (pkmtypes.Command, bool) {
		return pkmtypes.Command{Type: pkmtypes.CommandCreateBlock}, true
	}
	send := func(cmd pkmtypes.Command) error { return nil }
	sender := &fakeSender{}
	f := newFixtureWithSender(t, derive, send, sender)

	// A local mutation step (creating the page) commits up front, then a
	// second, outbound block-creation step is acknowledged successfully
	// and adopts its real id before a later, unrelated failure forces the
	// whole saga to compensate.
	rec, _ := f.saga.Begin("create_page_and_block_workflow")
	op1 := pkmtypes.Operation{Kind: pkmtypes.OpInsertPage, GraphID: "g1", Page: &pkmtypes.PageArgs{Name: "Alpha"}}
	rec, err := f.saga.AddLocalMutation(rec.ID, "g1", op1)
	if err != nil {
		t.Fatalf("add local mutation: %v", err)
	}

	op2 := pkmtypes.Operation{Kind: pkmtypes.OpInsertBlock, GraphID: "g1", Block: &pkmtypes.BlockArgs{ID: "temp-1", Content: "hi", Page: "alpha"}}
	rec, err = f.saga.AddOutboundCommand(rec.ID, "g1", op2, pkmtypes.Command{Type: pkmtypes.CommandCreateBlock, TempID: "temp-1"})
	if err != nil {
		t.Fatalf("add outbound step: %v", err)
	}
	outboundTxnID := rec.Steps[1].TxnID
	corrID := rec.Steps[1].CorrelationID

	if _, err := f.coord.OnAck(corrID, txncoord.AckResult{Success: true, BlockUUID: "real-1"}); err != nil {
		t.Fatalf("on_ack: %v", err)
	}
	if _, err := f.saga.ResolveOutboundStep(rec.ID, "g1", outboundTxnID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := f.saga.AdoptExternalID(rec.ID, "g1", "temp-1", "real-1"); err != nil {
		t.Fatalf("adopt_external_id: %v", err)
	}

	failed, err := f.saga.Fail(rec.ID, "a later step failed")
	if err == nil {
		t.Fatalf("expected Fail to return the failure reason as an error")
	}
	if failed.State != pkmtypes.SagaCompensated {
		t.Fatalf("expected Compensated, got %v", failed.State)
	}

	sent := sender.commands()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one compensating command, got %+v", sent)
	}
	if sent[0].Type != pkmtypes.CommandDeleteBlock {
		t.Fatalf("expected a delete_block compensating command, got %v", sent[0].Type)
	}
	if sent[0].BlockID != "real-1" {
		t.Fatalf("expected compensating command to target the adopted real id, got %q", sent[0].BlockID)
	}
}

func TestAdoptExternalIDRenamesNode(t *testing.T) {
	derive := func(op pkmtypes.Operation) (pkmtypes.Command, bool) {
		return pkmtypes.Command{Type: pkmtypes.CommandCreateBlock}, true
	}
	send := func(cmd pkmtypes.Command) error { return nil }
	f := newFixture(t, derive, send)

	rec, _ := f.saga.Begin("create_block_workflow")
	op := pkmtypes.Operation{Kind: pkmtypes.OpInsertBlock, GraphID: "g1", Block: &pkmtypes.BlockArgs{ID: "temp-1", Content: "hi", Page: "home"}}
	rec, err := f.saga.AddOutboundCommand(rec.ID, "g1", op, pkmtypes.Command{Type: pkmtypes.CommandCreateBlock, TempID: "temp-1"})
	if err != nil {
		t.Fatalf("add outbound step: %v", err)
	}

	txnID := rec.Steps[0].TxnID
	corrID := rec.Steps[0].CorrelationID
	if _, err := f.coord.OnAck(corrID, txncoord.AckResult{Success: true, BlockUUID: "real-42"}); err != nil {
		t.Fatalf("on_ack: %v", err)
	}
	if _, err := f.saga.ResolveOutboundStep(rec.ID, "g1", txnID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	rec, err = f.saga.AdoptExternalID(rec.ID, "g1", "temp-1", "real-42")
	if err != nil {
		t.Fatalf("adopt_external_id: %v", err)
	}

	if _, _, _, ok := f.store.GetNode("temp-1"); ok {
		t.Fatalf("expected temp id gone after adoption")
	}
	if _, _, block, ok := f.store.GetNode("real-42"); !ok || block.Content != "hi" {
		t.Fatalf("expected node reachable under real-42, got ok=%v block=%+v", ok, block)
	}

	final, err := f.saga.Complete(rec.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if final.State != pkmtypes.SagaCompleted {
		t.Fatalf("expected Completed, got %v", final.State)
	}
}
