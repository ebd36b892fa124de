// Package wal implements the write-ahead log behind each graph's
// transaction coordinator: an append-only, durable store of transaction
// records keyed by transaction id, with a secondary index by content
// fingerprint and a pending-set of non-terminal ids.
//
// The embedded key-value engine is bbolt, played as the collaborator named
// behind the WAL interface in the design notes: appends, key lookups,
// prefix scans, fsync-on-commit. Any equivalent engine would satisfy the
// same contract.
package wal

import (
	"encoding/json"
	"fmt"
	"log/slog"

	bolt "go.etcd.io/bbolt"

	"github.com/starford/kenaz/internal/apperr"
	"github.com/starford/kenaz/internal/pkmtypes"
)

var (
	bucketTransactions = []byte("transactions")
	bucketFingerprints = []byte("fingerprint_index")
	bucketPending      = []byte("pending")
)

// WAL is a single graph's write-ahead log.
type WAL struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (creating if absent) a bbolt-backed log at path.
func Open(path string, logger *slog.Logger) (*WAL, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTransactions, bucketFingerprints, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("wal: init buckets: %w", err)
	}
	return &WAL{db: db, logger: logger}, nil
}

// Close closes the underlying database file.
func (w *WAL) Close() error {
	return w.db.Close()
}

// Append durably writes a new record. It is atomic: the bbolt transaction
// that performs it fsyncs before Update returns.
func (w *WAL) Append(rec pkmtypes.TxnRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: marshal record: %w", err)
	}
	err = w.db.Update(func(tx *bolt.Tx) error {
		txns := tx.Bucket(bucketTransactions)
		if err := txns.Put([]byte(rec.ID), data); err != nil {
			return err
		}
		if rec.Fingerprint != "" {
			fps := tx.Bucket(bucketFingerprints)
			if err := fps.Put([]byte(rec.Fingerprint), []byte(rec.ID)); err != nil {
				return err
			}
		}
		if isTerminal(rec.State) {
			return tx.Bucket(bucketPending).Delete([]byte(rec.ID))
		}
		return tx.Bucket(bucketPending).Put([]byte(rec.ID), []byte(rec.State))
	})
	if err != nil {
		return fmt.Errorf("%w: append %s: %v", apperr.ErrWALIO, rec.ID, err)
	}
	return nil
}

// UpdateState transitions an existing record to newState, returning the
// updated record. Fails if the record does not exist.
func (w *WAL) UpdateState(txnID string, newState pkmtypes.TxnState, mutate func(*pkmtypes.TxnRecord)) (pkmtypes.TxnRecord, error) {
	var out pkmtypes.TxnRecord
	err := w.db.Update(func(tx *bolt.Tx) error {
		txns := tx.Bucket(bucketTransactions)
		raw := txns.Get([]byte(txnID))
		if raw == nil {
			return apperr.ErrNotFound
		}
		var rec pkmtypes.TxnRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: %v", apperr.ErrCorruption, err)
		}
		rec.State = newState
		if mutate != nil {
			mutate(&rec)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txns.Put([]byte(txnID), data); err != nil {
			return err
		}
		if isTerminal(rec.State) {
			if err := tx.Bucket(bucketPending).Delete([]byte(txnID)); err != nil {
				return err
			}
		} else {
			if err := tx.Bucket(bucketPending).Put([]byte(txnID), []byte(rec.State)); err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	if err != nil {
		if err == apperr.ErrNotFound {
			return pkmtypes.TxnRecord{}, apperr.ErrNotFound
		}
		return pkmtypes.TxnRecord{}, fmt.Errorf("%w: update_state %s: %v", apperr.ErrWALIO, txnID, err)
	}
	return out, nil
}

// Get returns the record for txnID.
func (w *WAL) Get(txnID string) (pkmtypes.TxnRecord, error) {
	var rec pkmtypes.TxnRecord
	var found bool
	err := w.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTransactions).Get([]byte(txnID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return pkmtypes.TxnRecord{}, fmt.Errorf("%w: %v", apperr.ErrCorruption, err)
	}
	if !found {
		return pkmtypes.TxnRecord{}, apperr.ErrNotFound
	}
	return rec, nil
}

// FindByFingerprint returns the transaction currently indexed under fp, if
// any. Used by the coordinator's dedup check.
func (w *WAL) FindByFingerprint(fp string) (pkmtypes.TxnRecord, bool, error) {
	var txnID string
	err := w.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFingerprints).Get([]byte(fp))
		if raw != nil {
			txnID = string(raw)
		}
		return nil
	})
	if err != nil {
		return pkmtypes.TxnRecord{}, false, err
	}
	if txnID == "" {
		return pkmtypes.TxnRecord{}, false, nil
	}
	rec, err := w.Get(txnID)
	if err != nil {
		if err == apperr.ErrNotFound {
			return pkmtypes.TxnRecord{}, false, nil
		}
		return pkmtypes.TxnRecord{}, false, err
	}
	return rec, true, nil
}

// Pending returns every non-terminal transaction id.
func (w *WAL) Pending() ([]string, error) {
	var ids []string
	err := w.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// IterUnrecovered returns the full records for every non-terminal
// transaction, skipping (and logging) any record that fails to decode —
// corruption of a single record is not fatal to recovery as a whole.
func (w *WAL) IterUnrecovered() ([]pkmtypes.TxnRecord, error) {
	ids, err := w.Pending()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrWALIO, err)
	}
	var out []pkmtypes.TxnRecord
	for _, id := range ids {
		rec, err := w.Get(id)
		if err != nil {
			w.logger.Warn("wal: skipping corrupt record during recovery",
				slog.String("txn_id", id), slog.String("error", err.Error()))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func isTerminal(s pkmtypes.TxnState) bool {
	return s == pkmtypes.TxnCommitted || s == pkmtypes.TxnAborted
}
