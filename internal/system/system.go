// Package system builds the dependency-ordered component graph shared by
// cmd/pnhv and cmd/pnctl: memory map -> block allocator -> global heap ->
// per-core event loops -> ICC bus -> VM registry -> worker runtimes.
package system

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/packetngin/hv/internal/block"
	"github.com/packetngin/hv/internal/config"
	"github.com/packetngin/hv/internal/corestate"
	"github.com/packetngin/hv/internal/event"
	"github.com/packetngin/hv/internal/heap"
	"github.com/packetngin/hv/internal/icc"
	"github.com/packetngin/hv/internal/memmap"
	"github.com/packetngin/hv/internal/netdev"
	"github.com/packetngin/hv/internal/vmregistry"
	"github.com/packetngin/hv/internal/worker"
)

// System is every component one manager process owns.
type System struct {
	Cores    *corestate.Table
	Blocks   *block.Allocator
	Heap     *heap.Heap
	Bus      *icc.Bus
	Loops    []*event.Loop // Loops[apicID] is that core's event loop
	Registry *vmregistry.Registry
	NICs     *netdev.Resolver
	Workers  []*worker.Runtime // one per non-manager core, index by apicID

	Log *logrus.Logger
}

// Build assembles a System from a parsed configuration and a loader for
// guest tasks. loader may be nil in contexts (like pnctl) that never
// start a VM in-process.
func Build(cfg *config.Config, loader worker.GuestLoader) (*System, error) {
	log := logrus.New()

	ranges, err := cfg.MemoryMap()
	if err != nil {
		return nil, err
	}
	reserved := memmap.ReservedRanges()
	available := memmap.Available(ranges, reserved)
	partition := memmap.Partition(available)

	blocks := block.New(partition.BlockBases)

	h := heap.New(blocks)
	for _, area := range partition.HeapAreas {
		if err := h.AddArea(area.Start, area.Length()); err != nil {
			return nil, fmt.Errorf("system: add heap area: %w", err)
		}
	}

	present := make([]bool, cfg.Cores)
	apics := make([]uint8, cfg.Cores)
	for i := 0; i < cfg.Cores; i++ {
		present[i] = true
		apics[i] = uint8(i)
	}
	cores := corestate.NewTable(cfg.Cores, present)
	bus := icc.NewBus(apics)

	loops := make([]*event.Loop, cfg.Cores)
	for i := range loops {
		loops[i] = event.New(nil)
	}

	nics := netdev.NewResolver()

	reg := vmregistry.New(cores, blocks, bus, loops[vmregistry.ManagerApicID], nics, log)

	var workers []*worker.Runtime
	if loader != nil {
		workers = make([]*worker.Runtime, cfg.Cores)
		for apic := 1; apic < cfg.Cores; apic++ {
			workers[apic] = worker.New(uint8(apic), bus, loader, log)
		}
	}

	return &System{
		Cores:    cores,
		Blocks:   blocks,
		Heap:     h,
		Bus:      bus,
		Loops:    loops,
		Registry: reg,
		NICs:     nics,
		Workers:  workers,
		Log:      log,
	}, nil
}

// RunWorkers starts every non-manager core's Runtime.Serve in its own
// goroutine, stopping them all when stop is closed.
func (s *System) RunWorkers(stop <-chan struct{}) {
	for _, w := range s.Workers {
		if w == nil {
			continue
		}
		go w.Serve(stop)
	}
}

// RunManager runs core 0's event loop until stop is closed.
func (s *System) RunManager(stop <-chan struct{}) {
	loop := s.Loops[vmregistry.ManagerApicID]
	for {
		select {
		case <-stop:
			return
		default:
			loop.Run()
		}
	}
}

// Close releases host resources the System opened (TAP interfaces).
func (s *System) Close() error {
	return s.NICs.Close()
}
