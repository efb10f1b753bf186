// Command pnctl is the operator CLI for managing VMs. It has no wire
// codec to a remote manager process, so it boots its own in-process
// System the same way pnhv does and drives the registry directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/packetngin/hv/internal/config"
	"github.com/packetngin/hv/internal/system"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&createCmd{}, "vm")
	subcommands.Register(&listCmd{}, "vm")
	subcommands.Register(&destroyCmd{}, "vm")
	subcommands.Register(&statusCmd{}, "vm")
	subcommands.Register(&stdioCmd{}, "vm")
	subcommands.Register(&uploadCmd{}, "vm")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// bootSystem loads configPath and assembles a System for one-shot CLI use.
func bootSystem(configPath string) (*system.System, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("pnctl: load config: %w", err)
	}
	sys, err := system.Build(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("pnctl: build system: %w", err)
	}
	for _, dev := range cfg.NICs {
		if err := sys.NICs.Resolve(dev); err != nil {
			return nil, fmt.Errorf("pnctl: resolve NIC %s: %w", dev, err)
		}
	}
	return sys, nil
}

var log = logrus.New()
