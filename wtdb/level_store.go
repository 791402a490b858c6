package wtdb

import (
	"errors"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelStore is a Store backed by a goleveldb database.
type LevelStore struct {
	db *leveldb.DB
}

// A compile-time check to ensure LevelStore implements the Store interface.
var _ Store = (*LevelStore)(nil)

// OpenLevelStore opens or creates the leveldb database at dir/name.
func OpenLevelStore(dir, name string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(filepath.Join(dir, name), nil)
	if err != nil {
		return nil, err
	}

	return &LevelStore{db: db}, nil
}

// NewMemLevelStore returns a LevelStore held entirely in memory.
func NewMemLevelStore() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}

	return &LevelStore{db: db}, nil
}

// Put creates or overwrites the entry at key.
func (s *LevelStore) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

// Get returns a copy of the value stored at key, or ErrNotFound.
func (s *LevelStore) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}

	return value, err
}

// Delete removes the entry at key.
func (s *LevelStore) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

// ForEachPrefix calls cb for every entry whose key starts with prefix. The
// iteration runs over a snapshot, so cb may write to the store.
func (s *LevelStore) ForEachPrefix(prefix []byte,
	cb func(k, v []byte) error) error {

	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte{}, iter.Value()...)
		if err := cb(k, v); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Update applies all the writes queued by f in a single leveldb batch.
func (s *LevelStore) Update(f func(WriteBatch) error) error {
	batch := &memBatch{}
	if err := f(batch); err != nil {
		return err
	}
	if len(batch.ops) == 0 {
		return nil
	}

	var lb leveldb.Batch
	for _, op := range batch.ops {
		if op.value == nil {
			lb.Delete(op.key)
		} else {
			lb.Put(op.key, op.value)
		}
	}

	return s.db.Write(&lb, nil)
}

// Close closes the leveldb database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}
