package system

import (
	"testing"

	"github.com/packetngin/hv/internal/config"
	"github.com/packetngin/hv/internal/corestate"
	"github.com/packetngin/hv/internal/vmregistry"
)

func vmSpecFixture() vmregistry.VMSpec {
	return vmregistry.VMSpec{CoreSize: 1, MemorySize: 1}
}

func testConfig() *config.Config {
	return &config.Config{
		Cores:    4,
		StateDir: "/tmp/pnhv-test",
		Memory: []config.MemoryRange{
			{Base: 0, Length: 0x100000, Type: "reserved"},
			{Base: 0x100000, Length: 0x8000000, Type: "memory"},
		},
	}
}

func TestBuildWiresCoreZeroAsManager(t *testing.T) {
	sys, err := Build(testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sys.Cores.Get(0).Status != corestate.Start {
		t.Fatal("expected core 0 to start as the manager")
	}
	if len(sys.Loops) != 4 {
		t.Fatalf("expected 4 per-core loops, got %d", len(sys.Loops))
	}
	if sys.Workers != nil {
		t.Fatal("expected no worker runtimes when no loader is supplied")
	}
}

func TestBuildCreatesVMThroughWiredRegistry(t *testing.T) {
	sys, err := Build(testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := sys.Registry.Create(vmSpecFixture())
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero vm id")
	}
}
