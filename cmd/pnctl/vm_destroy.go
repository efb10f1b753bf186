package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

type destroyCmd struct {
	configPath string
}

func (*destroyCmd) Name() string     { return "destroy" }
func (*destroyCmd) Synopsis() string { return "destroy a stopped VM" }
func (*destroyCmd) Usage() string    { return "vm destroy VMID\n" }

func (c *destroyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "/etc/pnhv/pnhv.toml", "manager boot configuration")
}

func (c *destroyCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, ok := parseVMID(f.Arg(0))
	if !ok {
		fmt.Fprintln(os.Stderr, "vm destroy: VMID required")
		return subcommands.ExitUsageError
	}

	sys, err := bootSystem(c.configPath)
	if err != nil {
		log.WithError(err).Error("vm destroy")
		return subcommands.ExitFailure
	}
	defer sys.Close()

	destroyed, err := sys.Registry.Destroy(id)
	if err != nil {
		log.WithError(err).Error("vm destroy")
		return subcommands.ExitFailure
	}
	if !destroyed {
		fmt.Fprintln(os.Stderr, "vm destroy: refused (unknown VM or a core is still START)")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
