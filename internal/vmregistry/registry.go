package vmregistry

import (
	"fmt"
	"sync"

	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/packetngin/hv/internal/block"
	"github.com/packetngin/hv/internal/corestate"
	"github.com/packetngin/hv/internal/event"
	"github.com/packetngin/hv/internal/icc"
)

// ManagerApicID is core 0, the manager.
const ManagerApicID uint8 = 0

// Registry owns the VM table and drives its aggregate state machine on
// top of the block allocator, core table, ICC bus, and event loop.
type Registry struct {
	mu sync.Mutex

	cores *corestate.Table
	blocks *block.Allocator
	bus    *icc.Bus
	loop   *event.Loop
	nic    NICResolver
	log    *logrus.Logger

	vms      map[uint64]*VM
	nextVMID uint64

	usedMACs map[string]map[[6]byte]bool

	blockArena map[uint64][]byte // lazily mmap'd backing for memory/storage blocks

	pending      map[uint64]*pendingTransition
	stdioHandler StdioHandler
}

// New builds a Registry and wires its idle stdio poller and busy ICC
// dispatcher into loop.
func New(cores *corestate.Table, blocks *block.Allocator, bus *icc.Bus, loop *event.Loop, nic NICResolver, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	r := &Registry{
		cores:      cores,
		blocks:     blocks,
		bus:        bus,
		loop:       loop,
		nic:        nic,
		log:        log,
		vms:        make(map[uint64]*VM),
		usedMACs:   make(map[string]map[[6]byte]bool),
		blockArena: make(map[uint64][]byte),
		pending:    make(map[uint64]*pendingTransition),
	}
	loop.AddBusy(r.pollICC, nil)
	loop.AddIdle(r.pollStdio, nil)
	return r
}

// SetStdioHandler installs the callback invoked when a guest's
// stdout/stderr ring has unread bytes.
func (r *Registry) SetStdioHandler(h StdioHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stdioHandler = h
}

func ceilBlocks(size uint64) int {
	if size == 0 {
		return 0
	}
	return int((size + block.Size - 1) / block.Size)
}

// Create atomically allocates cores, memory, storage, and NICs for a new
// VM, rolling back fully on any failure.
func (r *Registry) Create(spec VMSpec) (uint64, error) {
	if spec.CoreSize <= 0 || spec.MemorySize == 0 {
		// Reject rather than guess intent for a zero-sized request.
		return 0, ErrInvalidVMSpec
	}

	specCopy := deepcopy.Copy(spec).(VMSpec)

	r.mu.Lock()
	vmid := r.allocateVMIDLocked()
	r.mu.Unlock()

	coreIDs, ok := r.cores.ReserveStopped(specCopy.CoreSize, vmid)
	if !ok {
		return 0, ErrNotEnoughCores
	}

	memBlocks, err := r.allocBlocks(specCopy.MemorySize)
	if err != nil {
		r.cores.Release(coreIDs)
		return 0, err
	}

	storBlocks, err := r.allocBlocks(specCopy.StorageSize)
	if err != nil {
		r.freeBlocks(memBlocks)
		r.cores.Release(coreIDs)
		return 0, err
	}

	nics, err := r.resolveNICs(specCopy.NICs)
	if err != nil {
		r.freeBlocks(storBlocks)
		r.freeBlocks(memBlocks)
		r.cores.Release(coreIDs)
		return 0, err
	}

	vm := &VM{
		ID:      vmid,
		Argv:    specCopy.Argv,
		CoreIDs: coreIDs,
		Memory:  memBlocks,
		Storage: storBlocks,
		NICs:    nics,
		Status:  StatusStop,
	}

	r.mu.Lock()
	r.vms[vmid] = vm
	r.mu.Unlock()

	macs := make([]string, len(nics))
	for i, n := range nics {
		macs[i] = fmt.Sprintf("%x", n.MAC)
	}
	r.log.WithFields(logrus.Fields{
		"vmid":    vmid,
		"cores":   coreIDs,
		"memory":  len(memBlocks),
		"storage": len(storBlocks),
		"nics":    macs,
		"argv":    specCopy.Argv,
	}).Info("vm created")

	return vmid, nil
}

func (r *Registry) allocateVMIDLocked() uint64 {
	for {
		r.nextVMID++
		if r.nextVMID == 0 {
			continue
		}
		if _, exists := r.vms[r.nextVMID]; !exists {
			return r.nextVMID
		}
	}
}

func (r *Registry) allocBlocks(size uint64) ([]uint64, error) {
	n := ceilBlocks(size)
	blocks := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		b, err := r.blocks.Alloc()
		if err != nil {
			r.freeBlocks(blocks)
			return nil, ErrOutOfMemory
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func (r *Registry) freeBlocks(blocks []uint64) {
	for _, b := range blocks {
		r.blocks.Free(b)
		r.mu.Lock()
		delete(r.blockArena, b)
		r.mu.Unlock()
	}
}

// backing returns (mmapping lazily if needed) the 2 MiB byte arena for a
// block base address.
func (r *Registry) backing(base uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mem, ok := r.blockArena[base]; ok {
		return mem
	}
	mem, err := unix.Mmap(-1, 0, block.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		// A host-level mmap failure is not one of the VM-lifecycle error
		// kinds; fall back to a plain Go slice so callers still see
		// consistent (if unshared) bytes rather than a panic.
		mem = make([]byte, block.Size)
	}
	r.blockArena[base] = mem
	return mem
}

// Destroy implements vm_destroy: refuses while any core is START,
// otherwise frees every resource the VM owns.
func (r *Registry) Destroy(vmid uint64) (bool, error) {
	r.mu.Lock()
	vm, ok := r.vms[vmid]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	for _, id := range vm.CoreIDs {
		if r.cores.Get(id).Status == corestate.Start {
			return false, nil
		}
	}

	r.freeBlocks(vm.Memory)
	r.freeBlocks(vm.Storage)
	for _, n := range vm.NICs {
		r.freeBlocks(n.Blocks)
		r.mu.Lock()
		delete(r.usedMACs[n.Dev], n.MAC)
		r.mu.Unlock()
	}
	r.cores.Release(vm.CoreIDs)

	r.mu.Lock()
	delete(r.vms, vmid)
	r.mu.Unlock()

	r.log.WithField("vmid", vmid).Info("vm destroyed")
	return true, nil
}

// List implements vm_list.
func (r *Registry) List() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.vms))
	for id := range r.vms {
		ids = append(ids, id)
	}
	return ids
}

// StatusGet implements vm_status_get.
func (r *Registry) StatusGet(vmid uint64) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[vmid]
	if !ok {
		return 0, ErrVMNotFound
	}
	return vm.Status, nil
}
