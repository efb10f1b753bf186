package vmregistry

import (
	"crypto/md5"
	"testing"

	"github.com/packetngin/hv/internal/block"
	"github.com/packetngin/hv/internal/corestate"
	"github.com/packetngin/hv/internal/event"
	"github.com/packetngin/hv/internal/icc"
)

type fakeNIC struct{ next byte }

func (f *fakeNIC) Resolve(dev string) error {
	if dev == "" || dev == "bogus0" {
		return ErrInvalidDevice
	}
	return nil
}

func (f *fakeNIC) AllocateMAC(dev string) ([6]byte, error) {
	f.next++
	return [6]byte{0, 0, 0, 0, 0, f.next}, nil
}

func newTestSystem(t *testing.T, coreCount int) (*Registry, *corestate.Table, *icc.Bus, *event.Loop) {
	t.Helper()
	present := make([]bool, coreCount)
	apics := make([]uint8, coreCount)
	bases := make([]uint64, 0, 64)
	for i := 0; i < coreCount; i++ {
		present[i] = true
		apics[i] = uint8(i)
	}
	for i := 0; i < 64; i++ {
		bases = append(bases, uint64(0x10000000+i*block.Size))
	}

	cores := corestate.NewTable(coreCount, present)
	blocks := block.New(bases)
	bus := icc.NewBus(apics)
	loop := event.New(nil)
	reg := New(cores, blocks, bus, loop, &fakeNIC{}, nil)
	return reg, cores, bus, loop
}

func TestCreateDestroyRoundTrip(t *testing.T) {
	reg, _, _, _ := newTestSystem(t, 4)

	id, err := reg.Create(VMSpec{CoreSize: 2, MemorySize: 4 * 1024 * 1024, StorageSize: 4 * 1024 * 1024})
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Fatalf("expected first VM id 1, got %d", id)
	}

	ids := reg.List()
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected vm_list [1], got %v", ids)
	}

	ok, err := reg.Destroy(1)
	if err != nil || !ok {
		t.Fatalf("expected destroy to succeed, got ok=%v err=%v", ok, err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("expected empty vm_list after destroy")
	}
}

func TestCreateRejectsZeroMemoryOrCores(t *testing.T) {
	reg, _, _, _ := newTestSystem(t, 4)
	if _, err := reg.Create(VMSpec{CoreSize: 0, MemorySize: 1}); err != ErrInvalidVMSpec {
		t.Fatalf("expected ErrInvalidVMSpec for core_size=0, got %v", err)
	}
	if _, err := reg.Create(VMSpec{CoreSize: 1, MemorySize: 0}); err != ErrInvalidVMSpec {
		t.Fatalf("expected ErrInvalidVMSpec for memory_size=0, got %v", err)
	}
}

func TestCreateRollsBackOnNotEnoughCores(t *testing.T) {
	reg, _, _, _ := newTestSystem(t, 2)
	if _, err := reg.Create(VMSpec{CoreSize: 5, MemorySize: 1}); err != ErrNotEnoughCores {
		t.Fatalf("expected ErrNotEnoughCores, got %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("expected no VM left behind after rollback")
	}
}

func TestIllegalTransitionInvokesCallbackFalse(t *testing.T) {
	reg, _, _, _ := newTestSystem(t, 2)
	id, err := reg.Create(VMSpec{CoreSize: 1, MemorySize: 1})
	if err != nil {
		t.Fatal(err)
	}

	var got *bool
	err = reg.StatusSet(id, StatusPause, func(ok bool) { got = &ok })
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != false {
		t.Fatalf("expected callback(false) for illegal STOP->PAUSE, got %v", got)
	}
	status, _ := reg.StatusGet(id)
	if status != StatusStop {
		t.Fatalf("expected VM to remain STOP, got %v", status)
	}
}

func TestStartTransitionCompletesWhenAllCoresReportStarted(t *testing.T) {
	reg, cores, bus, loop := newTestSystem(t, 3)
	id, err := reg.Create(VMSpec{CoreSize: 2, MemorySize: 1})
	if err != nil {
		t.Fatal(err)
	}
	vm, _ := func() (*VM, bool) { reg.mu.Lock(); defer reg.mu.Unlock(); v, ok := reg.vms[id]; return v, ok }()

	var result *bool
	if err := reg.StatusSet(id, StatusStart, func(ok bool) { result = &ok }); err != nil {
		t.Fatal(err)
	}

	// Each assigned core should have received a START request.
	for _, coreID := range vm.CoreIDs {
		select {
		case msg := <-bus.Inbox(coreID):
			if msg.Type != icc.Start {
				t.Fatalf("expected START, got %v", msg.Type)
			}
		default:
			t.Fatalf("expected a START message queued for core %d", coreID)
		}
		// Worker replies STARTED, success.
		bus.Send(&icc.Message{Type: icc.Started, ApicID: coreID, Result: 0}, ManagerApicID)
	}

	loop.Run()

	if result == nil || *result != true {
		t.Fatalf("expected callback(true), got %v", result)
	}
	status, _ := reg.StatusGet(id)
	if status != StatusStart {
		t.Fatalf("expected VM START, got %v", status)
	}
	for _, coreID := range vm.CoreIDs {
		if cores.Get(coreID).Status != corestate.Start {
			t.Fatalf("expected core %d START, got %v", coreID, cores.Get(coreID).Status)
		}
	}
}

func TestResumeStatusDrivesPauseToStartTransition(t *testing.T) {
	reg, _, bus, loop := newTestSystem(t, 2)
	id, err := reg.Create(VMSpec{CoreSize: 1, MemorySize: 1})
	if err != nil {
		t.Fatal(err)
	}
	vm, _ := func() (*VM, bool) { reg.mu.Lock(); defer reg.mu.Unlock(); v, ok := reg.vms[id]; return v, ok }()

	drive := func(target Status, reply icc.Type) bool {
		var result *bool
		if err := reg.StatusSet(id, target, func(ok bool) { result = &ok }); err != nil {
			t.Fatal(err)
		}
		for _, coreID := range vm.CoreIDs {
			// PAUSE arrives on the IPI line; every other request on the inbox.
			if target == StatusPause {
				<-bus.IPI(coreID)
			} else {
				<-bus.Inbox(coreID)
			}
			bus.Send(&icc.Message{Type: reply, ApicID: coreID, Result: 0}, ManagerApicID)
		}
		loop.Run()
		if result == nil {
			t.Fatalf("expected a callback result for target %v", target)
		}
		return *result
	}

	if ok := drive(StatusStart, icc.Started); !ok {
		t.Fatal("expected START to succeed")
	}
	if ok := drive(StatusPause, icc.Paused); !ok {
		t.Fatal("expected PAUSE to succeed")
	}

	var resumeReqType icc.Type
	var result *bool
	if err := reg.StatusSet(id, StatusResume, func(ok bool) { result = &ok }); err != nil {
		t.Fatal(err)
	}
	for _, coreID := range vm.CoreIDs {
		msg := <-bus.Inbox(coreID)
		resumeReqType = msg.Type
		bus.Send(&icc.Message{Type: icc.Resumed, ApicID: coreID, Result: 0}, ManagerApicID)
	}
	loop.Run()

	if resumeReqType != icc.Resume {
		t.Fatalf("expected RESUME request, got %v", resumeReqType)
	}
	if result == nil || *result != true {
		t.Fatalf("expected callback(true), got %v", result)
	}
	status, _ := reg.StatusGet(id)
	if status != StatusStart {
		t.Fatalf("expected VM STATUS START after resume, got %v", status)
	}
}

func TestStdioRingDeliversToHandler(t *testing.T) {
	reg, _, _, loop := newTestSystem(t, 2)
	id, err := reg.Create(VMSpec{CoreSize: 1, MemorySize: 1})
	if err != nil {
		t.Fatal(err)
	}

	var gotVMID uint64
	var gotThread, gotFD int
	var gotData []byte
	reg.SetStdioHandler(func(vmid uint64, thread int, fd int, data []byte) int {
		gotVMID, gotThread, gotFD, gotData = vmid, thread, fd, append([]byte(nil), data...)
		return len(data)
	})

	n, err := reg.Stdio(id, 0, FDStdout, []byte("HELLO"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}

	loop.Run()

	if gotVMID != id || gotThread != 0 || gotFD != FDStdout || string(gotData) != "HELLO" {
		t.Fatalf("unexpected callback invocation: vmid=%d thread=%d fd=%d data=%q", gotVMID, gotThread, gotFD, gotData)
	}
}

func TestStorageWriteReadSpanningBlocks(t *testing.T) {
	reg, _, _, _ := newTestSystem(t, 2)
	id, err := reg.Create(VMSpec{CoreSize: 1, MemorySize: 1, StorageSize: 2 * block.Size})
	if err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 3*1024*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	n, err := reg.StorageWrite(id, 0, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("expected full write, wrote %d of %d", n, len(data))
	}

	// A single read call returns at most one block's remainder.
	got, err := reg.StorageRead(id, 0, uint64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(got)) != block.Size {
		t.Fatalf("expected read clamped to block size %d, got %d", block.Size, len(got))
	}
	for i, b := range got {
		if b != data[i] {
			t.Fatalf("byte mismatch at %d", i)
		}
	}
}

func TestStorageMD5MatchesDirectDigest(t *testing.T) {
	reg, _, _, _ := newTestSystem(t, 2)
	id, err := reg.Create(VMSpec{CoreSize: 1, MemorySize: 1, StorageSize: block.Size})
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := reg.StorageWrite(id, 0, data); err != nil {
		t.Fatal(err)
	}
	sum, err := reg.StorageMD5(id, uint64(len(data)))
	if err != nil {
		t.Fatal(err)
	}

	want := md5Sum(data)
	if sum != want {
		t.Fatalf("md5 mismatch: got %x want %x", sum, want)
	}
}

func TestNICAutoMACHasLocallyAdministeredBit(t *testing.T) {
	reg, _, _, _ := newTestSystem(t, 2)
	id, err := reg.Create(VMSpec{CoreSize: 1, MemorySize: 1, NICs: []NICSpec{{Dev: "eth0"}}})
	if err != nil {
		t.Fatal(err)
	}
	reg.mu.Lock()
	vm := reg.vms[id]
	reg.mu.Unlock()
	mac := vm.NICs[0].MAC
	if mac[0]&0x02 == 0 {
		t.Fatalf("expected locally-administered bit set, got %x", mac)
	}
}

func TestCreateRejectsInvalidNICDevice(t *testing.T) {
	reg, _, _, _ := newTestSystem(t, 2)
	if _, err := reg.Create(VMSpec{CoreSize: 1, MemorySize: 1, NICs: []NICSpec{{Dev: "bogus0"}}}); err != ErrInvalidDevice {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
}

func TestDestroyRefusesWhileAnyCoreStarted(t *testing.T) {
	reg, cores, bus, loop := newTestSystem(t, 2)
	id, err := reg.Create(VMSpec{CoreSize: 1, MemorySize: 1})
	if err != nil {
		t.Fatal(err)
	}
	reg.mu.Lock()
	vm := reg.vms[id]
	reg.mu.Unlock()

	reg.StatusSet(id, StatusStart, func(ok bool) {})
	for _, coreID := range vm.CoreIDs {
		<-bus.Inbox(coreID)
		bus.Send(&icc.Message{Type: icc.Started, ApicID: coreID, Result: 0}, ManagerApicID)
	}
	loop.Run()
	if cores.Get(vm.CoreIDs[0]).Status != corestate.Start {
		t.Fatal("expected core to be START before destroy attempt")
	}

	ok, err := reg.Destroy(id)
	if err != nil || ok {
		t.Fatalf("expected destroy to refuse while core is START, got ok=%v err=%v", ok, err)
	}
}

func md5Sum(b []byte) [16]byte {
	return md5.Sum(b)
}
