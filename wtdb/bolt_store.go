package wtdb

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

// storeBucket is the single top-level bucket holding every entry of a
// BoltStore.
var storeBucket = []byte("towerd")

// BoltConfig holds bolt configuration.
//
//nolint:lll
type BoltConfig struct {
	NoFreelistSync bool `long:"nofreelistsync" description:"Whether the databases used within towerd should sync their freelist to disk."`

	AutoCompact bool `long:"auto-compact" description:"Whether the databases should automatically be compacted on every startup (and if the database has the configured minimum age)."`

	AutoCompactMinAge time.Duration `long:"auto-compact-min-age" description:"How long ago the last compaction of a database file must be for it to be considered for auto compaction again."`

	DBTimeout time.Duration `long:"dbtimeout" description:"Specify the timeout value used when opening the database."`
}

// DefaultBoltConfig returns the bolt settings used when none are configured.
func DefaultBoltConfig() *BoltConfig {
	return &BoltConfig{
		NoFreelistSync:    true,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
		DBTimeout:         kvdb.DefaultDBTimeout,
	}
}

// BoltStore is a Store persisted in a bbolt file through kvdb.
type BoltStore struct {
	db kvdb.Backend
}

// A compile-time check to ensure BoltStore implements the Store interface.
var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens or creates the bolt database fileName inside dir.
func OpenBoltStore(dir, fileName string, cfg *BoltConfig) (*BoltStore,
	error) {

	if cfg == nil {
		cfg = DefaultBoltConfig()
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	db, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            dir,
		DBFileName:        fileName,
		NoFreelistSync:    cfg.NoFreelistSync,
		AutoCompact:       cfg.AutoCompact,
		AutoCompactMinAge: cfg.AutoCompactMinAge,
		DBTimeout:         cfg.DBTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open %v: %w", fileName, err)
	}

	err = kvdb.Update(db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(storeBucket)
		return err
	}, func() {})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Put creates or overwrites the entry at key.
func (s *BoltStore) Put(key, value []byte) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		return tx.ReadWriteBucket(storeBucket).Put(key, value)
	}, func() {})
}

// Get returns a copy of the value stored at key, or ErrNotFound.
func (s *BoltStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(storeBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte{}, v...)

		return nil
	}, func() {
		value = nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Delete removes the entry at key.
func (s *BoltStore) Delete(key []byte) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		return tx.ReadWriteBucket(storeBucket).Delete(key)
	}, func() {})
}

// ForEachPrefix calls cb for every entry whose key starts with prefix. The
// entries are read in a single transaction and cb runs after it is closed, so
// cb may write to the store.
func (s *BoltStore) ForEachPrefix(prefix []byte,
	cb func(k, v []byte) error) error {

	var entries []batchOp
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		cursor := tx.ReadBucket(storeBucket).ReadCursor()
		for k, v := cursor.Seek(prefix); k != nil &&
			bytes.HasPrefix(k, prefix); k, v = cursor.Next() {

			entries = append(entries, batchOp{
				key:   append([]byte(nil), k...),
				value: append([]byte{}, v...),
			})
		}

		return nil
	}, func() {
		entries = nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := cb(e.key, e.value); err != nil {
			return err
		}
	}

	return nil
}

// Update applies all the writes queued by f in one bolt transaction.
func (s *BoltStore) Update(f func(WriteBatch) error) error {
	batch := &memBatch{}
	if err := f(batch); err != nil {
		return err
	}
	if len(batch.ops) == 0 {
		return nil
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(storeBucket)
		for _, op := range batch.ops {
			var err error
			if op.value == nil {
				err = bucket.Delete(op.key)
			} else {
				err = bucket.Put(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// Close closes the bolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
