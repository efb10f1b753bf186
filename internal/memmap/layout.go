// Package memmap parses the firmware physical memory map and partitions the
// available ranges into GlobalHeap areas and BlockPool-aligned slots.
package memmap

const (
	BlockSize = 0x200000 // 2 MiB, the BlockAllocator's unit of allocation.

	IVTStart     = 0x0
	IVTEnd       = 0x400
	BDAStart     = 0x400
	BDAEnd       = 0x500
	DescStart    = 0x100000
	DescEnd      = 0x200000
	KernelText   = 0x200000
	KernelTextEnd = 0x400000

	KernelDataBase   = 0x400000
	KernelDataStride = 0x200000
	KernelDataSlots  = 16

	RamdiskStart = 0x2000000
)

// ReservedRanges returns the fixed kernel-reserved ranges that must be
// subtracted from every firmware Memory range, independent of the number of
// present cores (the per-core kernel-data stripe is always reserved for all
// 16 possible slots, matching original_source/kernel/src/mmap.h).
func ReservedRanges() []Block {
	ranges := []Block{
		{Start: IVTStart, End: IVTEnd},
		{Start: BDAStart, End: BDAEnd},
		{Start: DescStart, End: DescEnd},
		{Start: KernelText, End: KernelTextEnd},
	}
	for i := 0; i < KernelDataSlots; i++ {
		base := uint64(KernelDataBase + i*KernelDataStride)
		ranges = append(ranges, Block{Start: base, End: base + KernelDataStride})
	}
	ranges = append(ranges, Block{Start: RamdiskStart, End: RamdiskStart + KernelDataStride})
	return ranges
}
