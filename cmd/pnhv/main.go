// Command pnhv is the manager boot entrypoint: it loads the TOML boot
// configuration, assembles the System, and runs core 0's event loop,
// refusing to start a second instance against the same state directory.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/packetngin/hv/internal/config"
	"github.com/packetngin/hv/internal/system"
)

func main() {
	configPath := flag.String("config", "/etc/pnhv/pnhv.toml", "path to the boot configuration")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("pnhv: load config")
	}
	if err := cfg.EnsureStateDir(); err != nil {
		log.WithError(err).Fatal("pnhv: prepare state dir")
	}

	lock := flock.New(filepath.Join(cfg.StateDir, "pnhv.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		log.WithError(err).Fatal("pnhv: acquire instance lock")
	}
	if !locked {
		log.Fatal("pnhv: another manager instance already holds the lock")
	}
	defer lock.Unlock()

	sys, err := system.Build(cfg, nil)
	if err != nil {
		log.WithError(err).Fatal("pnhv: build system")
	}
	defer sys.Close()

	for _, dev := range cfg.NICs {
		if err := sys.NICs.Resolve(dev); err != nil {
			log.WithError(err).WithField("device", dev).Fatal("pnhv: resolve NIC device")
		}
	}

	stop := make(chan struct{})
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		close(stop)
	}()

	log.WithField("cores", cfg.Cores).Info("pnhv: manager starting")
	sys.RunWorkers(stop)
	sys.RunManager(stop)
	log.Info("pnhv: manager stopped")
}
