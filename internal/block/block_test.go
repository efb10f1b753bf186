package block

import "testing"

func TestAllocFreeReuse(t *testing.T) {
	a := New([]uint64{0x200000, 0x400000, 0x600000})

	p1, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	p3, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 || p2 == p3 || p1 == p3 {
		t.Fatalf("expected distinct blocks, got %x %x %x", p1, p2, p3)
	}

	if err := a.Free(p2); err != nil {
		t.Fatal(err)
	}
	// Immediate re-alloc must first-fit back to the freed block.
	next, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if next != p2 {
		t.Fatalf("expected reuse of %x, got %x", p2, next)
	}
}

func TestAllocExhausted(t *testing.T) {
	a := New([]uint64{0x200000})
	if _, err := a.Alloc(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(); err != ErrOutOfBlocks {
		t.Fatalf("expected ErrOutOfBlocks, got %v", err)
	}
}

func TestFreeUnknownAddress(t *testing.T) {
	a := New([]uint64{0x200000})
	if err := a.Free(0x400000); err != ErrNotAllocated {
		t.Fatalf("expected ErrNotAllocated, got %v", err)
	}
}

func TestUsedTotal(t *testing.T) {
	a := New([]uint64{0x200000, 0x400000})
	if a.Total() != 2 || a.Used() != 0 {
		t.Fatalf("unexpected initial counts")
	}
	addr, _ := a.Alloc()
	if a.Used() != 1 {
		t.Fatalf("expected used=1")
	}
	a.Free(addr)
	if a.Used() != 0 {
		t.Fatalf("expected used=0 after free")
	}
}
