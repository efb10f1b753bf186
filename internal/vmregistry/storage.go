package vmregistry

import (
	"crypto/md5"

	"github.com/packetngin/hv/internal/block"
	"github.com/packetngin/hv/internal/corestate"
)

func (r *Registry) storageBlocks(vmid uint64) ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[vmid]
	if !ok {
		return nil, ErrVMNotFound
	}
	return vm.Storage, nil
}

// StorageRead implements vm_storage_read: a single call returns at most
// one block's worth of contiguous bytes.
func (r *Registry) StorageRead(vmid uint64, off uint64, n uint64) ([]byte, error) {
	blocks, err := r.storageBlocks(vmid)
	if err != nil {
		return nil, err
	}
	idx := off / block.Size
	if idx >= uint64(len(blocks)) {
		return nil, ErrOutOfRange
	}
	blockOff := off % block.Size
	avail := block.Size - blockOff
	if n > avail {
		n = avail
	}
	buf := r.backing(blocks[idx])
	out := make([]byte, n)
	copy(out, buf[blockOff:blockOff+n])
	return out, nil
}

// StorageWrite implements vm_storage_write: may span multiple blocks.
func (r *Registry) StorageWrite(vmid uint64, off uint64, data []byte) (int, error) {
	blocks, err := r.storageBlocks(vmid)
	if err != nil {
		return 0, err
	}
	written := 0
	for written < len(data) {
		abs := off + uint64(written)
		idx := abs / block.Size
		if idx >= uint64(len(blocks)) {
			break
		}
		blockOff := abs % block.Size
		avail := block.Size - blockOff
		chunk := data[written:]
		if uint64(len(chunk)) > avail {
			chunk = chunk[:avail]
		}
		buf := r.backing(blocks[idx])
		copy(buf[blockOff:], chunk)
		written += len(chunk)
	}
	if written < len(data) {
		return written, ErrOutOfRange
	}
	return written, nil
}

// StorageClear zeroes every byte of the VM's storage blocks.
func (r *Registry) StorageClear(vmid uint64) error {
	blocks, err := r.storageBlocks(vmid)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		buf := r.backing(b)
		for i := range buf {
			buf[i] = 0
		}
	}
	return nil
}

// StorageMD5 digests the first n bytes of storage, feeding the block list
// directly to the MD5 compressor in block order.
func (r *Registry) StorageMD5(vmid uint64, n uint64) ([16]byte, error) {
	var sum [16]byte
	blocks, err := r.storageBlocks(vmid)
	if err != nil {
		return sum, err
	}
	h := md5.New()
	off := uint64(0)
	for off < n {
		idx := off / block.Size
		if idx >= uint64(len(blocks)) {
			return sum, ErrOutOfRange
		}
		blockOff := off % block.Size
		avail := block.Size - blockOff
		chunk := n - off
		if chunk > avail {
			chunk = avail
		}
		buf := r.backing(blocks[idx])
		h.Write(buf[blockOff : blockOff+chunk])
		off += chunk
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// Stdio implements vm_stdio: writes into the ring of core vm.CoreIDs[thread].
func (r *Registry) Stdio(vmid uint64, thread int, fd int, data []byte) (int, error) {
	r.mu.Lock()
	vm, ok := r.vms[vmid]
	r.mu.Unlock()
	if !ok {
		return 0, ErrVMNotFound
	}
	if thread < 0 || thread >= len(vm.CoreIDs) {
		return 0, ErrOutOfRange
	}
	core := r.cores.Get(vm.CoreIDs[thread])
	if core.Status != corestate.Pause && core.Status != corestate.Start {
		return 0, ErrStateViolation
	}

	ring, err := ringForFD(core, fd)
	if err != nil {
		return 0, err
	}
	return ring.Write(data), nil
}

func ringForFD(core *corestate.Core, fd int) (*corestate.Ring, error) {
	switch fd {
	case FDStdin:
		return core.Stdin, nil
	case FDStdout:
		return core.Stdout, nil
	case FDStderr:
		return core.Stderr, nil
	default:
		return nil, ErrOutOfRange
	}
}

// pollStdio is the permanently-registered idle callback that walks every
// non-INVALID core's stdout/stderr rings.
func (r *Registry) pollStdio(ctx any) bool {
	for apic := 0; apic < r.cores.Size(); apic++ {
		core := r.cores.Get(uint8(apic))
		if core == nil || core.Status == corestate.Invalid || core.VM == 0 {
			continue
		}
		thread := r.threadIndex(core.VM, uint8(apic))
		if thread < 0 {
			continue
		}
		r.drainRing(core.VM, thread, FDStdout, core.Stdout)
		r.drainRing(core.VM, thread, FDStderr, core.Stderr)
	}
	return true
}

func (r *Registry) threadIndex(vmid uint64, apicID uint8) int {
	r.mu.Lock()
	vm, ok := r.vms[vmid]
	r.mu.Unlock()
	if !ok {
		return -1
	}
	for i, id := range vm.CoreIDs {
		if id == apicID {
			return i
		}
	}
	return -1
}

func (r *Registry) drainRing(vmid uint64, thread int, fd int, ring *corestate.Ring) {
	data := ring.Peek()
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	h := r.stdioHandler
	r.mu.Unlock()
	if h == nil {
		return
	}
	consumed := h(vmid, thread, fd, data)
	if consumed < 0 {
		consumed = 0
	}
	ring.AdvanceHead(uint64(consumed))
}
