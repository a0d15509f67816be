package source

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Directory maps addresses to the capabilities reachable behind them.
type Directory struct {
	mu      sync.RWMutex
	entries map[common.Address]any
}

func NewDirectory() *Directory {
	return &Directory{entries: make(map[common.Address]any)}
}

func (d *Directory) RegisterToken(addr common.Address, token CheckpointedToken) {
	d.register(addr, token)
}

func (d *Directory) RegisterStaking(addr common.Address, staking Staking) {
	d.register(addr, staking)
}

func (d *Directory) register(addr common.Address, capability any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[addr] = capability
}

func (d *Directory) Lookup(addr common.Address) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.entries[addr]
	return c, ok
}

// Resolve returns a reader for addr queried as kind.
func (d *Directory) Resolve(addr common.Address, kind Kind) (Reader, error) {
	capability, ok := d.Lookup(addr)
	if !ok {
		return nil, ErrNotContract
	}
	return NewReader(kind, capability)
}
