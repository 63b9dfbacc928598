// Package config holds the tunable sizes and policy knobs for a linear-hash
// bucket store. acc.NewBlock sizes the page store and the op, overflow and
// scan arenas from Page8, OpRecs, OverflowRecs and Scan, and reads DataDir
// and LcpCron; the other fields are parsed and defaulted but not read by
// any block code. Nothing here is re-read once a block is running.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors the recognized options of the bucket store. Zero values are
// replaced with defaults by LoadConfig and by Default.
type Config struct {
	DirRangeSize  int `yaml:"dirRangeSize"`
	DirArraySize  int `yaml:"dirArraySize"`
	FragmentSize  int `yaml:"fragmentSize"`
	OpRecs        int `yaml:"opRecs"`
	OverflowRecs  int `yaml:"overflowRecs"`
	Page8         int `yaml:"page8"`
	RootFrag      int `yaml:"rootFrag"`
	Table         int `yaml:"table"`
	Scan          int `yaml:"scan"`

	// LcpDiscPagesAcc is the per-tick data-page write budget during normal
	// operation.
	LcpDiscPagesAcc int `yaml:"lcpDiscPagesAcc"`
	// LcpDiscPagesAccSr is the per-tick data-page write budget during
	// system restart.
	LcpDiscPagesAccSr int `yaml:"lcpDiscPagesAccSr"`

	// DataDir is where data and undo files live; not a spec §6 option by
	// name, but every on-disk-format path in §6 is relative to it.
	DataDir string `yaml:"dataDir"`

	// LcpCron, if non-empty, is a cron expression driving the periodic
	// local-checkpoint trigger (see SPEC_FULL.md §11).
	LcpCron string `yaml:"lcpCron"`
}

// Default returns the configuration the teacher repo's own demo data used
// for similarly-sized pools: small enough for tests, large enough to
// exercise overflow and expand/shrink paths.
func Default() Config {
	return Config{
		DirRangeSize:      4,
		DirArraySize:      16,
		FragmentSize:      8,
		OpRecs:            256,
		OverflowRecs:      64,
		Page8:             256,
		RootFrag:          4,
		Table:             4,
		Scan:              4,
		LcpDiscPagesAcc:   8,
		LcpDiscPagesAccSr: 32,
		DataDir:           ".",
		LcpCron:           "",
	}
}

// LoadConfig reads a YAML file into a Config, defaulting any field left at
// its zero value. It performs no validation beyond defaulting: configuration
// parsing itself is an external collaborator (spec §1), this is only a
// convenience reader.
func LoadConfig(path string) (Config, error) {
	def := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg := def
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	fillDefaults(&cfg, def)
	return cfg, nil
}

func fillDefaults(cfg *Config, def Config) {
	if cfg.DirRangeSize == 0 {
		cfg.DirRangeSize = def.DirRangeSize
	}
	if cfg.DirArraySize == 0 {
		cfg.DirArraySize = def.DirArraySize
	}
	if cfg.FragmentSize == 0 {
		cfg.FragmentSize = def.FragmentSize
	}
	if cfg.OpRecs == 0 {
		cfg.OpRecs = def.OpRecs
	}
	if cfg.OverflowRecs == 0 {
		cfg.OverflowRecs = def.OverflowRecs
	}
	if cfg.Page8 == 0 {
		cfg.Page8 = def.Page8
	}
	if cfg.RootFrag == 0 {
		cfg.RootFrag = def.RootFrag
	}
	if cfg.Table == 0 {
		cfg.Table = def.Table
	}
	if cfg.Scan == 0 {
		cfg.Scan = def.Scan
	}
	if cfg.LcpDiscPagesAcc == 0 {
		cfg.LcpDiscPagesAcc = def.LcpDiscPagesAcc
	}
	if cfg.LcpDiscPagesAccSr == 0 {
		cfg.LcpDiscPagesAccSr = def.LcpDiscPagesAccSr
	}
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
}
