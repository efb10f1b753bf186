package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"

	"github.com/packetngin/hv/internal/block"
)

type uploadCmd struct {
	configPath string
	file       string
}

func (*uploadCmd) Name() string     { return "upload" }
func (*uploadCmd) Synopsis() string { return "write a file into a VM's storage blocks" }
func (*uploadCmd) Usage() string    { return "vm upload VMID -file PATH\n" }

func (c *uploadCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "/etc/pnhv/pnhv.toml", "manager boot configuration")
	f.StringVar(&c.file, "file", "", "local file to upload")
}

func (c *uploadCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	id, ok := parseVMID(f.Arg(0))
	if !ok || c.file == "" {
		fmt.Fprintln(os.Stderr, "vm upload: VMID and -file are required")
		return subcommands.ExitUsageError
	}

	src, err := os.Open(c.file)
	if err != nil {
		log.WithError(err).Error("vm upload")
		return subcommands.ExitFailure
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		log.WithError(err).Error("vm upload")
		return subcommands.ExitFailure
	}

	sys, err := bootSystem(c.configPath)
	if err != nil {
		log.WithError(err).Error("vm upload")
		return subcommands.ExitFailure
	}
	defer sys.Close()

	bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("uploading to vm %d", id))
	buf := make([]byte, block.Size)
	var off uint64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := sys.Registry.StorageWrite(id, off, buf[:n]); err != nil {
				log.WithError(err).Error("vm upload")
				return subcommands.ExitFailure
			}
			off += uint64(n)
			bar.Add(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			log.WithError(readErr).Error("vm upload")
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}
