package crypto

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// migration advances the schema by exactly one step. Migrations are
// numbered by their position in the slice (1-indexed) and applied in
// order inside a single badger transaction, matching spec.md §4.2's
// "each migration advances exactly one step" invariant.
type migration struct {
	name string
	fn   func(txn *badger.Txn) error
}

// migrations is the ordered list of all schema steps this build knows.
// There is exactly one today: stamping schema:version itself. Future
// migrations are appended here, never inserted or reordered.
var migrations = []migration{
	{
		name: "initial schema version",
		fn: func(txn *badger.Txn) error {
			return nil
		},
	},
}

func (ks *KeyStore) runMigrations() error {
	return ks.db.Update(func(txn *badger.Txn) error {
		current, err := readVersion(txn)
		if err != nil {
			return err
		}
		target := uint64(len(migrations))
		if current > target {
			return &ErrPersistent{Cause: fmt.Errorf("schema version %d is newer than this build supports (%d)", current, target)}
		}
		for i := current; i < target; i++ {
			m := migrations[i]
			if err := m.fn(txn); err != nil {
				return &ErrPersistent{Cause: fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)}
			}
			if err := writeVersion(txn, i+1); err != nil {
				return err
			}
		}
		return nil
	})
}

func readVersion(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(keySchemaVersion))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func writeVersion(txn *badger.Txn, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return txn.Set([]byte(keySchemaVersion), buf)
}
