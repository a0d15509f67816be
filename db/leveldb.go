package db

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB wraps the actual LevelDB connection
type LevelDB struct {
	mu     sync.RWMutex
	conn   *leveldb.DB
	closed bool
}

// NewLevelDB opens (or creates) a LevelDB instance at the given path
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{conn: db}, nil
}

// NewMemLevelDB opens a LevelDB instance backed by memory
func NewMemLevelDB() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{conn: db}, nil
}

// Close safely closes the LevelDB connection
func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

// Put inserts or updates a key-value pair
func (l *LevelDB) Put(key, value []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return l.conn.Put(key, value, nil)
}

// Get retrieves the value for a given key
func (l *LevelDB) Get(key []byte) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	v, err := l.conn.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// NewPrefixIterator returns an iterator over all keys starting with prefix
func (l *LevelDB) NewPrefixIterator(prefix []byte) Iterator {
	return &levelIterator{it: l.conn.NewIterator(util.BytesPrefix(prefix), nil)}
}

// NewBatch starts an atomic write batch
func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l, batch: new(leveldb.Batch)}
}

type levelBatch struct {
	db    *LevelDB
	batch *leveldb.Batch
}

func (b *levelBatch) Put(key, value []byte) { b.batch.Put(key, value) }

func (b *levelBatch) Commit() error {
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	if b.db.closed {
		return ErrClosed
	}
	return b.db.conn.Write(b.batch, &opt.WriteOptions{Sync: true})
}

type levelIterator struct {
	it iterator.Iterator
}

func (i *levelIterator) Next() bool { return i.it.Next() }

// Key and Value copy, leveldb reuses its buffers between steps
func (i *levelIterator) Key() []byte   { return append([]byte(nil), i.it.Key()...) }
func (i *levelIterator) Value() []byte { return append([]byte(nil), i.it.Value()...) }
func (i *levelIterator) Release()      { i.it.Release() }
func (i *levelIterator) Error() error  { return i.it.Error() }
