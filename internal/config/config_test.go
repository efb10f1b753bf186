package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pnhv.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesCoresNICsAndMemory(t *testing.T) {
	path := writeConfig(t, `
cores = 4
state_dir = "/var/lib/pnhv"
nics = ["tap0", "tap1"]

[[memory]]
base = 0
length = 0x100000
type = "reserved"

[[memory]]
base = 0x100000
length = 0x8000000
type = "memory"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cores != 4 {
		t.Fatalf("expected 4 cores, got %d", cfg.Cores)
	}
	if len(cfg.NICs) != 2 || cfg.NICs[0] != "tap0" {
		t.Fatalf("unexpected nics: %v", cfg.NICs)
	}
	mm, err := cfg.MemoryMap()
	if err != nil {
		t.Fatal(err)
	}
	if len(mm) != 2 || mm[1].Length != 0x8000000 {
		t.Fatalf("unexpected memory map: %+v", mm)
	}
}

func TestLoadRejectsZeroCores(t *testing.T) {
	path := writeConfig(t, `
cores = 0
state_dir = "/var/lib/pnhv"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for zero cores")
	}
}

func TestLoadRejectsUnknownRangeType(t *testing.T) {
	path := writeConfig(t, `
cores = 1
state_dir = "/var/lib/pnhv"

[[memory]]
base = 0
length = 1
type = "bogus"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown memory range type")
	}
}
