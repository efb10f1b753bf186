// Package block implements the 2 MiB physical block allocator: a flat
// array of tagged addresses where bit 0 marks "in use" and bits 21+ carry
// the (2 MiB-aligned) address.
package block

import (
	"errors"
	"sync"
)

const Size = 0x200000

// ErrOutOfBlocks is returned by Alloc when every slot is in use.
var ErrOutOfBlocks = errors.New("block: pool exhausted")

// ErrNotAllocated is returned by Free when addr does not match any
// currently in-use slot.
var ErrNotAllocated = errors.New("block: address not allocated")

const inUseBit = 1

// Allocator is a bitmap over a fixed set of 2 MiB-aligned base addresses.
type Allocator struct {
	mu    sync.Mutex
	slots []uint64 // address | inUseBit
}

// New builds an Allocator over the given 2 MiB-aligned base addresses, all
// initially free. Each base must have bit 0 clear (true of any genuinely
// 2 MiB-aligned address).
func New(bases []uint64) *Allocator {
	slots := make([]uint64, len(bases))
	copy(slots, bases)
	return &Allocator{slots: slots}
}

// Grow appends additional free base addresses to the pool, e.g. after
// MemoryMap discovers more available ranges at runtime.
func (a *Allocator) Grow(bases ...uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots = append(a.slots, bases...)
}

// Alloc returns the first free block's base address, marking it in use.
func (a *Allocator) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range a.slots {
		if s&inUseBit == 0 {
			a.slots[i] = s | inUseBit
			return s &^ inUseBit, nil
		}
	}
	return 0, ErrOutOfBlocks
}

// Free releases the block at addr, making it available to a future Alloc.
func (a *Allocator) Free(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	want := addr | inUseBit
	for i, s := range a.slots {
		if s == want {
			a.slots[i] = addr
			return nil
		}
	}
	return ErrNotAllocated
}

// Total returns the number of slots in the pool.
func (a *Allocator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// Used returns the number of slots currently allocated.
func (a *Allocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.slots {
		if s&inUseBit != 0 {
			n++
		}
	}
	return n
}
