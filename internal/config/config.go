// Package config loads the YAML machine description that parameterizes a
// rv32 run: hart count, RAM size, MMIO base overrides, and the boot image
// to load before starting the harts.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes one machine to boot (cmd/rv32run's input file).
type Config struct {
	Harts     int    `yaml:"harts"`
	RAMSizeMB int    `yaml:"ram_size_mb"`
	BootImage string `yaml:"boot_image"`

	MMIO MMIOConfig `yaml:"mmio"`
}

// MMIOConfig overrides the default MMIO layout (spec.md §6); a zero value
// for any field means "use the package default".
type MMIOConfig struct {
	CLINTBase uint32 `yaml:"clint_base"`
	PLICBase  uint32 `yaml:"plic_base"`
	UARTBase  uint32 `yaml:"uart_base"`
}

// Default returns the configuration used when no file is given: one hart,
// 128 MiB of RAM, no boot image (LoadBytes must be called by the caller).
func Default() Config {
	return Config{Harts: 1, RAMSizeMB: 128}
}

// Load reads and parses a YAML config file, following the same
// "never fail the caller, fall back to sane defaults" idiom as the
// teacher's site-config loader; parse/validation problems are logged, not
// returned, since a malformed config shouldn't prevent a reasonable run.
func Load(path string) Config {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read machine config", "path", path, "error", err)
		}
		return cfg
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Warn("failed to parse machine config, using defaults", "path", path, "error", err)
		return Default()
	}

	if cfg.Harts <= 0 {
		cfg.Harts = 1
	}
	if cfg.RAMSizeMB <= 0 {
		cfg.RAMSizeMB = 128
	}

	slog.Info("loaded machine config", "path", path, "harts", cfg.Harts, "ram_mb", cfg.RAMSizeMB)
	return cfg
}

// Validate reports a descriptive error for settings Load's fallback logic
// can't repair on its own, e.g. an unreadable boot image path.
func (c Config) Validate() error {
	if c.BootImage == "" {
		return nil
	}
	if _, err := os.Stat(c.BootImage); err != nil {
		return fmt.Errorf("boot image %q: %w", c.BootImage, err)
	}
	return nil
}
