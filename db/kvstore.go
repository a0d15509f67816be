package db

import "errors"

var (
	ErrNotFound = errors.New("db: key not found")
	ErrClosed   = errors.New("db: database is closed")
)

// KVStore is the storage engine the repository writes through.
type KVStore interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	NewBatch() Batch
	NewPrefixIterator(prefix []byte) Iterator
	Close() error
}

// Batch groups writes that are committed atomically.
type Batch interface {
	Put(key, value []byte)
	Commit() error
}

// Iterator walks keys in ascending order. It must be released after use.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// Open opens the engine named by engine at path.
func Open(engine, path string) (KVStore, error) {
	switch engine {
	case "", "leveldb":
		return NewLevelDB(path)
	case "pebble":
		return NewPebble(path)
	default:
		return nil, errors.New("db: unknown engine " + engine)
	}
}
