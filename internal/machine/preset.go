package machine

import (
	"fmt"
	"sort"

	"github.com/tinyrange/rpivm/internal/board"
)

// bcm283xNumCPUs is the core count of every supported complex.
const bcm283xNumCPUs = 4

// Preset is a named machine definition selectable from the command line.
type Preset struct {
	Name        string
	Description string
	Version     board.Version
	NumCPUs     int
	DefaultRAM  uint64
}

var presets = map[string]Preset{
	"raspi2": {
		Name:        "raspi2",
		Description: "Raspberry Pi 2B",
		Version:     board.Raspi2B,
		NumCPUs:     bcm283xNumCPUs,
		DefaultRAM:  1 * board.GiB,
	},
	"raspi3": {
		Name:        "raspi3",
		Description: "Raspberry Pi 3B",
		Version:     board.Raspi3B,
		NumCPUs:     bcm283xNumCPUs,
		DefaultRAM:  1 * board.GiB,
	},
	"raspi4": {
		Name:        "raspi4",
		Description: "Raspberry Pi 4B",
		Version:     board.Raspi4B,
		NumCPUs:     bcm283xNumCPUs,
		DefaultRAM:  1 * board.GiB,
	},
}

// LookupPreset resolves a machine name.
func LookupPreset(name string) (Preset, error) {
	preset, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown machine %q (have %v)", name, PresetNames())
	}
	return preset, nil
}

// PresetNames returns the machine names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
