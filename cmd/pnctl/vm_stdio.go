package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

type stdioCmd struct {
	configPath string
	thread     int
	fd         int
}

func (*stdioCmd) Name() string     { return "stdio" }
func (*stdioCmd) Synopsis() string { return "write a line to a VM thread's stdin ring" }
func (*stdioCmd) Usage() string {
	return "vm stdio VMID [-thread N] [-fd 0|1|2] TEXT\n"
}

func (c *stdioCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "/etc/pnhv/pnhv.toml", "manager boot configuration")
	f.IntVar(&c.thread, "thread", 0, "thread index (core offset within the VM)")
	f.IntVar(&c.fd, "fd", 0, "target ring: 0=stdin 1=stdout 2=stderr")
}

func (c *stdioCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, ok := parseVMID(f.Arg(0))
	if !ok {
		fmt.Fprintln(os.Stderr, "vm stdio: VMID required")
		return subcommands.ExitUsageError
	}
	text := f.Arg(1)
	if text == "" {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		text = line
	}

	sys, err := bootSystem(c.configPath)
	if err != nil {
		log.WithError(err).Error("vm stdio")
		return subcommands.ExitFailure
	}
	defer sys.Close()

	n, err := sys.Registry.Stdio(id, c.thread, c.fd, []byte(text))
	if err != nil {
		log.WithError(err).Error("vm stdio")
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes\n", n)
	return subcommands.ExitSuccess
}
