package machine

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk machine definition. Every field mirrors a command
// line flag; flags win when both are given.
type Config struct {
	Machine  string `yaml:"machine"`
	Memory   string `yaml:"memory"`
	CPUs     int    `yaml:"cpus"`
	Kernel   string `yaml:"kernel"`
	Initrd   string `yaml:"initrd"`
	Cmdline  string `yaml:"cmdline"`
	Firmware string `yaml:"firmware"`
}

// LoadConfig reads and parses a YAML machine definition.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machine config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse machine config %s: %w", path, err)
	}
	return &cfg, nil
}

// Resolve turns a config into machine options using the named preset's
// defaults for anything unset.
func (c *Config) Resolve() (Options, error) {
	name := c.Machine
	if name == "" {
		name = "raspi3"
	}
	preset, err := LookupPreset(name)
	if err != nil {
		return Options{}, err
	}

	ramSize := preset.DefaultRAM
	if c.Memory != "" {
		parsed, err := humanize.ParseBytes(c.Memory)
		if err != nil {
			return Options{}, fmt.Errorf("parse memory size %q: %w", c.Memory, err)
		}
		ramSize = parsed
	}

	numCPUs := preset.NumCPUs
	if c.CPUs > 0 {
		numCPUs = c.CPUs
	}

	return Options{
		Version:  preset.Version,
		RAMSize:  ramSize,
		NumCPUs:  numCPUs,
		Kernel:   c.Kernel,
		Initrd:   c.Initrd,
		Cmdline:  c.Cmdline,
		Firmware: c.Firmware,
	}, nil
}
