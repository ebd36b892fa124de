package wal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/kenaz/internal/apperr"
	"github.com/starford/kenaz/internal/pkmtypes"
)

func openTest(t *testing.T) *WAL {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txn.db")
	w, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestAppendAndGet(t *testing.T) {
	w := openTest(t)
	rec := pkmtypes.TxnRecord{
		ID:          "t1",
		GraphID:     "g1",
		Fingerprint: "fp1",
		State:       pkmtypes.TxnActive,
		CreatedAt:   time.Now(),
	}
	if err := w.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := w.Get("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != pkmtypes.TxnActive || got.Fingerprint != "fp1" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	w := openTest(t)
	if _, err := w.Get("missing"); err != apperr.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByFingerprintAndPending(t *testing.T) {
	w := openTest(t)
	rec := pkmtypes.TxnRecord{ID: "t1", Fingerprint: "fp1", State: pkmtypes.TxnActive}
	if err := w.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	found, ok, err := w.FindByFingerprint("fp1")
	if err != nil || !ok {
		t.Fatalf("expected to find fp1: ok=%v err=%v", ok, err)
	}
	if found.ID != "t1" {
		t.Fatalf("unexpected match: %+v", found)
	}

	pending, err := w.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != "t1" {
		t.Fatalf("expected [t1], got %v", pending)
	}

	if _, err := w.UpdateState("t1", pkmtypes.TxnCommitted, nil); err != nil {
		t.Fatalf("update_state: %v", err)
	}
	pending, err = w.Pending()
	if err != nil {
		t.Fatalf("pending after commit: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending records after commit, got %v", pending)
	}
}

func TestIterUnrecoveredSkipsNothingValid(t *testing.T) {
	w := openTest(t)
	for i, st := range []pkmtypes.TxnState{pkmtypes.TxnActive, pkmtypes.TxnWaitingForAck, pkmtypes.TxnCommitted} {
		id := string(rune('a' + i))
		if err := w.Append(pkmtypes.TxnRecord{ID: id, State: st}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	recs, err := w.IterUnrecovered()
	if err != nil {
		t.Fatalf("iter_unrecovered: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 non-terminal records, got %d", len(recs))
	}
}
