package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/packetngin/hv/internal/system"
	"github.com/packetngin/hv/internal/vmregistry"
)

type statusCmd struct {
	configPath string
	target     string
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "get or set a VM's status" }
func (*statusCmd) Usage() string {
	return "vm status VMID [-set stop|start|pause|resume]\n"
}

func (c *statusCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "/etc/pnhv/pnhv.toml", "manager boot configuration")
	f.StringVar(&c.target, "set", "", "transition target: stop|start|pause|resume")
}

func (c *statusCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, ok := parseVMID(f.Arg(0))
	if !ok {
		fmt.Fprintln(os.Stderr, "vm status: VMID required")
		return subcommands.ExitUsageError
	}

	sys, err := bootSystem(c.configPath)
	if err != nil {
		log.WithError(err).Error("vm status")
		return subcommands.ExitFailure
	}
	defer sys.Close()

	if c.target == "" {
		status, err := sys.Registry.StatusGet(id)
		if err != nil {
			log.WithError(err).Error("vm status")
			return subcommands.ExitFailure
		}
		fmt.Println(status)
		return subcommands.ExitSuccess
	}

	target, ok := parseStatus(c.target)
	if !ok {
		fmt.Fprintf(os.Stderr, "vm status: unknown target %q\n", c.target)
		return subcommands.ExitUsageError
	}

	result := make(chan bool, 1)
	if err := sys.Registry.StatusSet(id, target, func(ok bool) { result <- ok }); err != nil {
		log.WithError(err).Error("vm status")
		return subcommands.ExitFailure
	}

	// The callback above fires synchronously from inside a manager loop
	// iteration once every assigned core has replied, so drive the loop
	// from this same goroutine until that happens.
	ok = pumpUntilResult(sys, result)
	if !ok {
		fmt.Fprintln(os.Stderr, "vm status: transition rejected")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// pumpUntilResult runs the manager's event loop one iteration at a time
// until result has a value, returning it.
func pumpUntilResult(sys *system.System, result chan bool) bool {
	stop := make(chan struct{})
	var got bool
	done := make(chan struct{})
	go func() {
		got = <-result
		close(stop)
		close(done)
	}()
	sys.RunManager(stop)
	<-done
	return got
}

func parseStatus(s string) (vmregistry.Status, bool) {
	switch s {
	case "stop":
		return vmregistry.StatusStop, true
	case "start":
		return vmregistry.StatusStart, true
	case "pause":
		return vmregistry.StatusPause, true
	case "resume":
		return vmregistry.StatusResume, true
	default:
		return 0, false
	}
}
