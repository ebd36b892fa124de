package saga

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/starford/kenaz/internal/apperr"
	"github.com/starford/kenaz/internal/pkmtypes"
)

var bucketSagas = []byte("sagas")

// sagaLog is the dedicated global WAL for saga records, kept separate
// from any per-graph transaction WAL so a saga spanning two graphs is
// recoverable from a single file.
type sagaLog struct {
	db *bolt.DB
}

func openLog(path string) (*sagaLog, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("saga: open log %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSagas)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("saga: init bucket: %w", err)
	}
	return &sagaLog{db: db}, nil
}

func (l *sagaLog) close() error { return l.db.Close() }

func (l *sagaLog) put(rec pkmtypes.SagaRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("saga: marshal record: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSagas).Put([]byte(rec.ID), data)
	})
}

func (l *sagaLog) get(id string) (pkmtypes.SagaRecord, error) {
	var rec pkmtypes.SagaRecord
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSagas).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return pkmtypes.SagaRecord{}, fmt.Errorf("%w: %v", apperr.ErrCorruption, err)
	}
	if !found {
		return pkmtypes.SagaRecord{}, apperr.ErrNotFound
	}
	return rec, nil
}

func (l *sagaLog) listNonTerminal() ([]pkmtypes.SagaRecord, error) {
	var out []pkmtypes.SagaRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSagas).ForEach(func(_, v []byte) error {
			var rec pkmtypes.SagaRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // corrupt record, skip rather than fail recovery
			}
			if rec.State == pkmtypes.SagaRunning || rec.State == pkmtypes.SagaCompensating {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}
