// Package heap implements GlobalHeap: a byte-granular, good-fit heap that
// auto-extends by pulling 2 MiB blocks from a block.Allocator when its
// areas are exhausted.
package heap

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/packetngin/hv/internal/block"
)

// ErrOutOfMemory is returned when both the heap's areas and the backing
// block allocator are exhausted.
var ErrOutOfMemory = errors.New("heap: out of memory")

// ErrNotAllocated is returned by GFree/GRealloc when addr was not returned
// by a prior, still-live GMalloc/GCalloc.
var ErrNotAllocated = errors.New("heap: address not allocated")

type freeRun struct {
	off  uint64
	size uint64
}

type area struct {
	base uint64
	mem  []byte
	free []freeRun // sorted, non-adjacent
}

// Heap is the GlobalHeap: one or more disjoint byte areas, each addressed
// by its own base, auto-extended from blocks on exhaustion.
type Heap struct {
	mu     sync.Mutex
	areas  []*area
	blocks *block.Allocator
	allocs map[uint64]uint64 // returned address -> size
}

// New creates an empty GlobalHeap backed by the given block allocator for
// extension.
func New(blocks *block.Allocator) *Heap {
	return &Heap{
		blocks: blocks,
		allocs: make(map[uint64]uint64),
	}
}

// AddArea registers a new heap area rooted at base, covering length bytes,
// backed by a freshly mapped anonymous arena.
func (h *Heap) AddArea(base, length uint64) error {
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.areas = append(h.areas, &area{
		base: base,
		mem:  mem,
		free: []freeRun{{off: 0, size: length}},
	})
	return nil
}

// GMalloc allocates size bytes good-fit, extending the pool by one 2 MiB
// block at a time from the block allocator until it succeeds or the block
// allocator itself is exhausted.
func (h *Heap) GMalloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, nil
	}
	for {
		if addr, ok := h.tryAlloc(size); ok {
			return addr, nil
		}
		base, err := h.blocks.Alloc()
		if err != nil {
			return 0, ErrOutOfMemory
		}
		if err := h.AddArea(base, block.Size); err != nil {
			return 0, err
		}
	}
}

// GCalloc allocates n*size zeroed bytes.
func (h *Heap) GCalloc(n, size uint64) (uint64, error) {
	total := n * size
	addr, err := h.GMalloc(total)
	if err != nil {
		return 0, err
	}
	buf, _ := h.bytesAt(addr, total)
	for i := range buf {
		buf[i] = 0
	}
	return addr, nil
}

// GRealloc resizes a live allocation, preserving its contents up to
// min(oldSize, newSize).
func (h *Heap) GRealloc(addr uint64, newSize uint64) (uint64, error) {
	h.mu.Lock()
	oldSize, ok := h.allocs[addr]
	h.mu.Unlock()
	if !ok {
		return 0, ErrNotAllocated
	}

	newAddr, err := h.GMalloc(newSize)
	if err != nil {
		return 0, err
	}

	n := oldSize
	if newSize < n {
		n = newSize
	}
	src, _ := h.bytesAt(addr, n)
	dst, _ := h.bytesAt(newAddr, n)
	copy(dst, src)

	if err := h.GFree(addr); err != nil {
		return 0, err
	}
	return newAddr, nil
}

// GFree releases a live allocation back to its owning area's free list,
// merging with adjacent free runs.
func (h *Heap) GFree(addr uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	size, ok := h.allocs[addr]
	if !ok {
		return ErrNotAllocated
	}
	delete(h.allocs, addr)

	a := h.ownerLocked(addr)
	if a == nil {
		return ErrNotAllocated
	}
	off := addr - a.base
	insertFree(a, freeRun{off: off, size: size})
	return nil
}

// Bytes returns a slice view of n bytes at addr, for storage/stdio paths
// that need direct access to the heap-resident bytes.
func (h *Heap) Bytes(addr, n uint64) ([]byte, bool) {
	return h.bytesAt(addr, n)
}

func (h *Heap) bytesAt(addr, n uint64) ([]byte, bool) {
	h.mu.Lock()
	a := h.ownerLocked(addr)
	h.mu.Unlock()
	if a == nil {
		return nil, false
	}
	off := addr - a.base
	if off+n > uint64(len(a.mem)) {
		return nil, false
	}
	return a.mem[off : off+n], true
}

func (h *Heap) ownerLocked(addr uint64) *area {
	for _, a := range h.areas {
		if addr >= a.base && addr < a.base+uint64(len(a.mem)) {
			return a
		}
	}
	return nil
}

// tryAlloc performs a good-fit search across every area's free list,
// choosing the smallest run that still satisfies size.
func (h *Heap) tryAlloc(size uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var bestArea *area
	bestIdx := -1
	var bestSize uint64

	for _, a := range h.areas {
		for i, run := range a.free {
			if run.size < size {
				continue
			}
			if bestArea == nil || run.size < bestSize {
				bestArea, bestIdx, bestSize = a, i, run.size
			}
		}
	}
	if bestArea == nil {
		return 0, false
	}

	run := bestArea.free[bestIdx]
	addr := bestArea.base + run.off
	if run.size == size {
		bestArea.free = append(bestArea.free[:bestIdx], bestArea.free[bestIdx+1:]...)
	} else {
		bestArea.free[bestIdx] = freeRun{off: run.off + size, size: run.size - size}
	}
	h.allocs[addr] = size
	return addr, true
}

func insertFree(a *area, run freeRun) {
	idx := 0
	for idx < len(a.free) && a.free[idx].off < run.off {
		idx++
	}
	a.free = append(a.free, freeRun{})
	copy(a.free[idx+1:], a.free[idx:])
	a.free[idx] = run

	// Merge with the following neighbor first so indices stay valid.
	if idx+1 < len(a.free) && a.free[idx].off+a.free[idx].size == a.free[idx+1].off {
		a.free[idx].size += a.free[idx+1].size
		a.free = append(a.free[:idx+1], a.free[idx+2:]...)
	}
	if idx > 0 && a.free[idx-1].off+a.free[idx-1].size == a.free[idx].off {
		a.free[idx-1].size += a.free[idx].size
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	}
}

// Used returns total bytes currently allocated across all areas.
func (h *Heap) Used() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n uint64
	for _, s := range h.allocs {
		n += s
	}
	return n
}

// Total returns the sum of all area lengths.
func (h *Heap) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n uint64
	for _, a := range h.areas {
		n += uint64(len(a.mem))
	}
	return n
}
