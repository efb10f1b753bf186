// Package corestate implements the CoreTable (per-core status indexed by
// APIC id) and StdioRing (the shared-memory-style ring buffer that relays
// guest stdin/stdout/stderr).
package corestate

import "sync"

// Status is a Core's lifecycle state.
type Status int

const (
	Invalid Status = iota
	Stop
	Pause
	Start
)

func (s Status) String() string {
	switch s {
	case Invalid:
		return "INVALID"
	case Stop:
		return "STOP"
	case Pause:
		return "PAUSE"
	case Start:
		return "START"
	default:
		return "UNKNOWN"
	}
}

// Core is one logical CPU's state.
type Core struct {
	Status     Status
	ErrorCode  int32
	ReturnCode int32
	VM         uint64 // 0 when unassigned
	Stdin      *Ring
	Stdout     *Ring
	Stderr     *Ring
}

// Table is the fixed-size, APIC-id-indexed core table. It is mutated
// only on the manager core.
type Table struct {
	mu    sync.Mutex
	cores []*Core
}

// NewTable builds a table of size slots. present[i] == true marks a core
// that physically exists (initialized STOP, save for apic id 0 which
// starts in START); any other slot is INVALID.
func NewTable(size int, present []bool) *Table {
	t := &Table{cores: make([]*Core, size)}
	for i := 0; i < size; i++ {
		if i < len(present) && present[i] {
			st := Stop
			if i == 0 {
				st = Start
			}
			t.cores[i] = &Core{
				Status: st,
				Stdin:  NewRing(4096),
				Stdout: NewRing(4096),
				Stderr: NewRing(4096),
			}
		} else {
			t.cores[i] = &Core{Status: Invalid}
		}
	}
	return t
}

// Size returns the number of APIC-id slots.
func (t *Table) Size() int {
	return len(t.cores)
}

// Get returns the core at apicID, or nil if out of range.
func (t *Table) Get(apicID uint8) *Core {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(apicID) >= len(t.cores) {
		return nil
	}
	return t.cores[apicID]
}

// ReserveStopped finds up to n cores currently STOP and unassigned,
// transitions them to PAUSE, and attaches vmid. Returns their apic ids and
// true, or nil and false if fewer than n are available (nothing is
// reserved in that case).
func (t *Table) ReserveStopped(n int, vmid uint64) ([]uint8, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var candidates []uint8
	for i, c := range t.cores {
		if c.Status == Stop && c.VM == 0 {
			candidates = append(candidates, uint8(i))
			if len(candidates) == n {
				break
			}
		}
	}
	if len(candidates) < n {
		return nil, false
	}
	for _, id := range candidates {
		t.cores[id].Status = Pause
		t.cores[id].VM = vmid
	}
	return candidates, true
}

// Release returns the given cores to STOP, unassigned.
func (t *Table) Release(ids []uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		c := t.cores[id]
		c.Status = Stop
		c.VM = 0
		c.ErrorCode = 0
		c.ReturnCode = 0
	}
}

// SetStatus transitions the core at apicID to status.
func (t *Table) SetStatus(apicID uint8, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cores[apicID].Status = status
}

// AllInStatus reports whether every core in ids currently has the given
// status — the basis of a VM's aggregate state machine.
func (t *Table) AllInStatus(ids []uint8, status Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if t.cores[id].Status != status {
			return false
		}
	}
	return true
}

// Ring is a three-field shared-memory-style ring buffer: producer
// advances Tail, consumer advances Head, one slot is always kept empty
// so full and empty are distinguishable.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	head uint64
	tail uint64
}

// NewRing allocates a ring of the given capacity (one byte of which is
// always held back as the full/empty disambiguator).
func NewRing(size int) *Ring {
	return &Ring{buf: make([]byte, size)}
}

func (r *Ring) size() uint64 { return uint64(len(r.buf)) }

// Write appends up to len(src) bytes, returning the number actually
// written (0 if the ring is full). Only the producer calls Write.
func (r *Ring) Write(src []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.size()
	used := (r.tail - r.head) % size
	free := size - used - 1

	n := uint64(len(src))
	if n > free {
		n = free
	}
	for i := uint64(0); i < n; i++ {
		r.buf[(r.tail+i)%size] = src[i]
	}
	r.tail = (r.tail + n) % size
	return int(n)
}

// Peek returns a copy of the unread bytes between head and tail, without
// advancing head. The caller (the consumer) must call AdvanceHead once it
// has actually consumed some prefix of the returned bytes.
func (r *Ring) Peek() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.size()
	used := (r.tail - r.head) % size
	out := make([]byte, used)
	for i := uint64(0); i < used; i++ {
		out[i] = r.buf[(r.head+i)%size]
	}
	return out
}

// AdvanceHead moves head forward by n bytes (capped at the unread count).
// Only the consumer calls this.
func (r *Ring) AdvanceHead(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.size()
	used := (r.tail - r.head) % size
	if n > used {
		n = used
	}
	r.head = (r.head + n) % size
}
