package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"

	"github.com/packetngin/hv/internal/vmregistry"
)

type createCmd struct {
	configPath  string
	coreSize    int
	memorySize  uint64
	storageSize uint64
	nics        string
}

func (*createCmd) Name() string     { return "create" }
func (*createCmd) Synopsis() string { return "create a new VM" }
func (*createCmd) Usage() string {
	return "vm create -cores N -memory BYTES [-storage BYTES] [-nics dev1,dev2]\n"
}

func (c *createCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "/etc/pnhv/pnhv.toml", "manager boot configuration")
	f.IntVar(&c.coreSize, "cores", 1, "number of cores to assign")
	f.Uint64Var(&c.memorySize, "memory", 0, "memory size in bytes")
	f.Uint64Var(&c.storageSize, "storage", 0, "storage size in bytes")
	f.StringVar(&c.nics, "nics", "", "comma-separated NIC device names")
}

func (c *createCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sys, err := bootSystem(c.configPath)
	if err != nil {
		log.WithError(err).Error("vm create")
		return subcommands.ExitFailure
	}
	defer sys.Close()

	var nics []vmregistry.NICSpec
	if c.nics != "" {
		for _, dev := range strings.Split(c.nics, ",") {
			nics = append(nics, vmregistry.NICSpec{Dev: dev})
		}
	}

	id, err := sys.Registry.Create(vmregistry.VMSpec{
		Argv:        f.Args(),
		CoreSize:    c.coreSize,
		MemorySize:  c.memorySize,
		StorageSize: c.storageSize,
		NICs:        nics,
	})
	if err != nil {
		log.WithError(err).Error("vm create")
		return subcommands.ExitFailure
	}
	fmt.Println(id)
	return subcommands.ExitSuccess
}
