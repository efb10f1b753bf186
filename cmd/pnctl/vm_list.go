package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/google/subcommands"
)

type listCmd struct {
	configPath string
}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "list all VM ids" }
func (*listCmd) Usage() string    { return "vm list\n" }

func (c *listCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "/etc/pnhv/pnhv.toml", "manager boot configuration")
}

func (c *listCmd) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	sys, err := bootSystem(c.configPath)
	if err != nil {
		log.WithError(err).Error("vm list")
		return subcommands.ExitFailure
	}
	defer sys.Close()

	ids := sys.Registry.List()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Println(id)
	}
	return subcommands.ExitSuccess
}
