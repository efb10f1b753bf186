// Package netdev resolves VNIC device names against real Linux TAP
// interfaces and mints MAC addresses for them, implementing
// vmregistry.NICResolver, using the standard TUNSETIFF ioctl dance.
package netdev

import (
	"crypto/rand"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TapDevice is one open Linux TAP interface, read/written as raw Ethernet
// frames with no packet-info header (IFF_NO_PI).
type TapDevice struct {
	fd   int
	name string
}

type ifreqFlags struct {
	name  [16]byte
	flags uint16
	_     [2]byte
}

// openTap opens /dev/net/tun and attaches it to name as a TAP interface.
func openTap(name string) (*TapDevice, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("netdev: open /dev/net/tun: %w", err)
	}

	var ifr ifreqFlags
	copy(ifr.name[:], name)
	ifr.flags = unix.IFF_TAP | unix.IFF_NO_PI

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("netdev: TUNSETIFF %s: %w", name, errno)
	}
	return &TapDevice{fd: fd, name: name}, nil
}

// Close releases the interface's file descriptor.
func (t *TapDevice) Close() error {
	return syscall.Close(t.fd)
}

// Resolver implements vmregistry.NICResolver against real TAP interfaces,
// keeping one open TapDevice per distinct device name so a NIC shared by
// two VM create calls resolves to the same host interface.
type Resolver struct {
	mu      sync.Mutex
	devices map[string]*TapDevice
	open    func(name string) (*TapDevice, error)
}

// NewResolver builds a Resolver backed by real TUNSETIFF calls.
func NewResolver() *Resolver {
	return &Resolver{devices: make(map[string]*TapDevice), open: openTap}
}

// Resolve opens dev as a TAP interface on first use, reusing it on
// subsequent calls for the same name.
func (r *Resolver) Resolve(dev string) error {
	if dev == "" {
		return fmt.Errorf("netdev: empty device name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[dev]; ok {
		return nil
	}
	tap, err := r.open(dev)
	if err != nil {
		return err
	}
	r.devices[dev] = tap
	return nil
}

// AllocateMAC mints a random locally-administered MAC for dev. The caller
// (vmregistry) independently enforces the locally-administered bit and
// per-device uniqueness; this generates real entropy for the remaining
// bytes.
func (r *Resolver) AllocateMAC(dev string) ([6]byte, error) {
	var mac [6]byte
	if _, err := rand.Read(mac[:]); err != nil {
		return mac, fmt.Errorf("netdev: generate MAC: %w", err)
	}
	mac[0] &^= 0x01 // clear multicast bit
	mac[0] |= 0x02  // locally administered
	return mac, nil
}

// Close releases every open TAP interface.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for name, tap := range r.devices {
		if err := tap.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.devices, name)
	}
	return first
}
