package compression

import (
	"fmt"
	"strings"
)

// Preset is one of the fixed bitrate choices offered to the user
type Preset struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Bitrate string `json:"bitrate"`
}

// DefaultPresetIndex selects the balanced preset
const DefaultPresetIndex = 1

var presets = [...]Preset{
	{Key: "quantum", Label: "Quantum-Compressed (Smallest File)", Bitrate: "500k"},
	{Key: "nebula", Label: "Nebula-Optimized (Balanced)", Bitrate: "1000k"},
	{Key: "stellar", Label: "Stellar-Quality (Larger File)", Bitrate: "2000k"},
}

// Presets returns a copy of the built-in presets in display order
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets[:])
	return out
}

// DefaultPreset returns the preset selected when the user picks nothing
func DefaultPreset() Preset {
	return presets[DefaultPresetIndex]
}

// LookupPreset resolves a preset by key, label or bitrate. An empty name
// yields the default preset.
func LookupPreset(name string) (Preset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultPreset(), nil
	}

	for _, p := range presets {
		if strings.EqualFold(p.Key, name) || strings.EqualFold(p.Label, name) || p.Bitrate == name {
			return p, nil
		}
	}

	return Preset{}, fmt.Errorf("unknown preset %q", name)
}
