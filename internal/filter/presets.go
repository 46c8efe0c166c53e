package filter

import (
	"fmt"
	"sort"
)

// Preset is a named filter from the picker.
type Preset struct {
	ID       string
	Name     string
	Category string
	CSS      string
}

var presets = []Preset{
	{ID: "original", Name: "Original", Category: "instagram", CSS: "none"},
	{ID: "clarendon", Name: "Clarendon", Category: "instagram", CSS: "contrast(1.2) saturate(1.35)"},
	{ID: "gingham", Name: "Gingham", Category: "instagram", CSS: "brightness(1.05) hue-rotate(-10deg)"},
	{ID: "juno", Name: "Juno", Category: "instagram", CSS: "sepia(0.35) contrast(1.15) brightness(1.15) saturate(1.8)"},
	{ID: "lark", Name: "Lark", Category: "instagram", CSS: "brightness(1.1) contrast(0.9) saturate(1.3)"},
	{ID: "ludwig", Name: "Ludwig", Category: "instagram", CSS: "brightness(1.05) contrast(1.1) saturate(1.3)"},
	{ID: "valencia", Name: "Valencia", Category: "instagram", CSS: "sepia(0.25) brightness(1.1) contrast(1.1)"},
	{ID: "moon", Name: "Moon", Category: "instagram", CSS: "grayscale(1) contrast(1.1) brightness(1.1)"},
	{ID: "vintage", Name: "Vintage", Category: "vintage", CSS: "sepia(0.8) hue-rotate(-10deg) saturate(1.2)"},
	{ID: "nashville", Name: "Nashville", Category: "vintage", CSS: "sepia(0.4) contrast(1.2) brightness(1.05) saturate(1.2)"},
	{ID: "tokyo", Name: "Tokyo", Category: "modern", CSS: "hue-rotate(180deg) saturate(1.5) brightness(0.95)"},
	{ID: "arctic", Name: "Arctic", Category: "modern", CSS: "hue-rotate(200deg) saturate(0.7) brightness(1.2)"},
}

// Presets returns the catalog in picker order.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

// Categories lists the distinct preset categories, sorted.
func Categories() []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range presets {
		if !seen[p.Category] {
			seen[p.Category] = true
			out = append(out, p.Category)
		}
	}
	sort.Strings(out)
	return out
}

// Lookup finds a preset by id.
func Lookup(id string) (Preset, bool) {
	for _, p := range presets {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}

// Resolve accepts either a preset id or a raw CSS filter string.
func Resolve(s string) (Chain, error) {
	if p, ok := Lookup(s); ok {
		c, err := Parse(p.CSS)
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", p.ID, err)
		}
		return c, nil
	}
	return Parse(s)
}
