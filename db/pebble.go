package db

import (
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Pebble is the alternative storage engine.
type Pebble struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

func NewPebble(path string) (*Pebble, error) {
	cache := pebble.NewCache(64 * 1024 * 1024) // 64MB
	defer cache.Unref()

	return openPebble(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: 32 * 1024 * 1024, // 32MB
	})
}

// NewMemPebble opens a Pebble instance backed by memory.
func NewMemPebble() (*Pebble, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()})
}

func openPebble(path string, opts *pebble.Options) (*Pebble, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Get(key []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	value, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (p *Pebble) Put(key, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return p.db.Set(key, value, pebble.Sync)
}

func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *Pebble) NewBatch() Batch {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return &pebbleBatch{db: p, err: ErrClosed}
	}
	return &pebbleBatch{db: p, batch: p.db.NewBatch()}
}

type pebbleBatch struct {
	db    *Pebble
	batch *pebble.Batch
	err   error
}

func (b *pebbleBatch) Put(key, value []byte) {
	if b.err == nil {
		b.err = b.batch.Set(key, value, nil)
	}
}

func (b *pebbleBatch) Commit() error {
	if b.batch != nil {
		defer b.batch.Close()
	}
	if b.err != nil {
		return b.err
	}
	b.db.mu.RLock()
	defer b.db.mu.RUnlock()
	if b.db.closed {
		return ErrClosed
	}
	return b.batch.Commit(pebble.Sync)
}

func (p *Pebble) NewPrefixIterator(prefix []byte) Iterator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return &pebbleIterator{err: ErrClosed}
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	return &pebbleIterator{iter: iter, err: err}
}

// prefixEnd is the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

type pebbleIterator struct {
	iter    *pebble.Iterator
	started bool
	err     error
}

func (it *pebbleIterator) Next() bool {
	if it.err != nil {
		return false
	}
	// position on the first key on the first call
	if !it.started {
		it.started = true
		return it.iter.First()
	}
	return it.iter.Next()
}

func (it *pebbleIterator) Key() []byte {
	return append([]byte(nil), it.iter.Key()...)
}

func (it *pebbleIterator) Value() []byte {
	val, err := it.iter.ValueAndErr()
	if err != nil {
		it.err = err
		return nil
	}
	return append([]byte(nil), val...)
}

func (it *pebbleIterator) Release() {
	if it.iter != nil {
		if err := it.iter.Close(); err != nil && it.err == nil {
			it.err = err
		}
		it.iter = nil
	}
}

func (it *pebbleIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.iter != nil {
		return it.iter.Error()
	}
	return nil
}
