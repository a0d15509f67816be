package chain

import (
	"math"
	"sync/atomic"
)

// MaxHeight is the last block the counter can reach. Advance stops there
// instead of wrapping around.
const MaxHeight = math.MaxUint64 - 1

// Clock supplies the current reference point (block number).
type Clock interface {
	Current() uint64
}

// BlockCounter is a monotonically increasing block number.
type BlockCounter struct {
	height atomic.Uint64
}

func NewBlockCounter(start uint64) *BlockCounter {
	c := &BlockCounter{}
	c.height.Store(start)
	return c
}

func (c *BlockCounter) Current() uint64 {
	return c.height.Load()
}

// Advance mines one block and returns the new height. It saturates at
// MaxHeight.
func (c *BlockCounter) Advance() uint64 {
	for {
		cur := c.height.Load()
		if cur >= MaxHeight {
			return cur
		}
		if c.height.CompareAndSwap(cur, cur+1) {
			return cur + 1
		}
	}
}

// Set moves the counter forward to height. Lower heights are ignored and
// higher ones are capped at MaxHeight.
func (c *BlockCounter) Set(height uint64) {
	if height > MaxHeight {
		height = MaxHeight
	}
	for {
		cur := c.height.Load()
		if height <= cur || c.height.CompareAndSwap(cur, height) {
			return
		}
	}
}
