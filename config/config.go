// Package config handles pecan.toml machine configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config carries host-tunable machine settings. Command-line flags
// override anything loaded from a file.
type Config struct {
	Machine Machine `toml:"machine"`
	Trace   Trace   `toml:"trace"`
	Run     Run     `toml:"run"`
}

// Machine sizes the per-instance resources.
type Machine struct {
	// HeapCells is the pool size in 8-byte cells.
	HeapCells int `toml:"heap-cells"`
	// StackCells is the capacity of each of the two stacks, in cells.
	StackCells int `toml:"stack-cells"`
}

// Trace toggles diagnostic logging.
type Trace struct {
	// Instructions logs every dispatched instruction.
	Instructions bool `toml:"instructions"`
}

// Run selects launch behavior.
type Run struct {
	// EntryPoint overrides the bundle's default entry binding.
	EntryPoint string `toml:"entry-point"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{}
}

// Load parses a pecan.toml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return &c, nil
}

// LoadIfExists parses path when it exists, or returns defaults.
func LoadIfExists(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}
