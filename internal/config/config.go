// Package config loads the manager's boot configuration: core count, a
// simulated firmware memory map, and the NIC device names it should
// resolve at startup.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/packetngin/hv/internal/memmap"
)

// MemoryRange is one TOML-encoded firmware memory map entry, mirroring
// memmap.Range but with a plain string Type for readability in the file.
type MemoryRange struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	Type   string `toml:"type"`
}

// Config is the manager's boot-time configuration.
type Config struct {
	Cores    int           `toml:"cores"`
	StateDir string        `toml:"state_dir"`
	NICs     []string      `toml:"nics"`
	Memory   []MemoryRange `toml:"memory"`
}

// Load parses a TOML boot configuration from path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a configuration that cannot boot a manager.
func (c *Config) Validate() error {
	if c.Cores <= 0 {
		return fmt.Errorf("config: cores must be positive, got %d", c.Cores)
	}
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir is required")
	}
	for _, m := range c.Memory {
		if _, err := rangeType(m.Type); err != nil {
			return err
		}
	}
	return nil
}

// MemoryMap converts the TOML memory entries into memmap.Range values.
func (c *Config) MemoryMap() ([]memmap.Range, error) {
	out := make([]memmap.Range, 0, len(c.Memory))
	for _, m := range c.Memory {
		t, err := rangeType(m.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, memmap.Range{Base: m.Base, Length: m.Length, Type: t})
	}
	return out, nil
}

func rangeType(s string) (memmap.RangeType, error) {
	switch s {
	case "memory":
		return memmap.TypeMemory, nil
	case "reserved":
		return memmap.TypeReserved, nil
	case "acpi":
		return memmap.TypeACPI, nil
	case "nvs":
		return memmap.TypeNVS, nil
	case "unusable":
		return memmap.TypeUnusable, nil
	default:
		return 0, fmt.Errorf("config: unknown memory range type %q", s)
	}
}

// EnsureStateDir creates the manager's state directory if it does not
// already exist.
func (c *Config) EnsureStateDir() error {
	return os.MkdirAll(c.StateDir, 0o755)
}
