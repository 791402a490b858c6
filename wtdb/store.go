package wtdb

import (
	"errors"
)

var (
	// ErrNotFound is returned when a key has no entry in the store.
	ErrNotFound = errors.New("entry not found")

	// ErrUnknownBackend is returned when asked to open a store with an
	// unsupported backend name.
	ErrUnknownBackend = errors.New("unknown database backend")
)

// Store is a prefix-scannable key-value store. The appointment and user
// schemas are built on top of it using distinct key prefixes. Implementations
// must serialize concurrent writes.
type Store interface {
	// Put creates or overwrites the entry at key.
	Put(key, value []byte) error

	// Get returns a copy of the value stored at key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Delete removes the entry at key. Deleting a missing key is not an
	// error.
	Delete(key []byte) error

	// ForEachPrefix calls cb for every entry whose key starts with
	// prefix, in key order. The passed slices are copies and may be
	// retained.
	ForEachPrefix(prefix []byte, cb func(k, v []byte) error) error

	// Update applies all the writes queued by f atomically. Nothing is
	// written if f returns an error.
	Update(f func(WriteBatch) error) error

	// Close releases the underlying database.
	Close() error
}

// WriteBatch accumulates writes that are committed together.
type WriteBatch interface {
	// Put queues a write of value at key.
	Put(key, value []byte)

	// Delete queues the removal of key.
	Delete(key []byte)
}

// batchOp is a single queued write. A nil value marks a deletion.
type batchOp struct {
	key   []byte
	value []byte
}

// memBatch is the WriteBatch handed out by both store backends. The ops are
// replayed against the backend's native transaction once f returns.
type memBatch struct {
	ops []batchOp
}

// Put queues a write of value at key.
func (b *memBatch) Put(key, value []byte) {
	if value == nil {
		value = []byte{}
	}
	b.ops = append(b.ops, batchOp{
		key:   append([]byte(nil), key...),
		value: append([]byte{}, value...),
	})
}

// Delete queues the removal of key.
func (b *memBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...)})
}

// Backend names accepted by OpenStore.
const (
	BoltBackend  = "bolt"
	LevelBackend = "leveldb"
)

// OpenStore opens a store of the named backend. For bolt the store is the
// file name inside dir, for leveldb it is a directory inside dir.
func OpenStore(backend, dir, name string, boltCfg *BoltConfig) (Store,
	error) {

	switch backend {
	case BoltBackend:
		return OpenBoltStore(dir, name+".db", boltCfg)

	case LevelBackend:
		return OpenLevelStore(dir, name)

	default:
		return nil, ErrUnknownBackend
	}
}
