package filter

import "math"

// Scale multiplies every op amount by mult, the ratio between the wanted
// and the preset intensity. Sepia and grayscale stay at or below 1;
// saturate, contrast and brightness never drop under 0.1. Hue rotation,
// invert and opacity are left as they are.
func (c Chain) Scale(mult float64) Chain {
	if len(c) == 0 || mult == 1 {
		return c
	}
	out := make(Chain, len(c))
	for i, o := range c {
		switch o.Func {
		case Sepia, Grayscale:
			o.Amount = math.Min(1, o.Amount*mult)
		case Saturate, Contrast, Brightness:
			o.Amount = math.Max(0.1, o.Amount*mult)
		}
		out[i] = o
	}
	return out
}

// Adjustments are the fine-tuning sliders shown next to the presets.
// Highlights, Shadows and Tint run -50..50, Temperature -30..30 degrees and
// Vignette 0..100.
type Adjustments struct {
	Highlights  float64 `yaml:"highlights"`
	Shadows     float64 `yaml:"shadows"`
	Temperature float64 `yaml:"temperature"`
	Tint        float64 `yaml:"tint"`
	Vignette    float64 `yaml:"vignette"`
}

// Chain turns the sliders into filter ops. Zero sliders add nothing.
func (a Adjustments) Chain() Chain {
	var c Chain
	if a.Highlights != 0 {
		c = append(c, Op{Func: Brightness, Amount: math.Max(0, 1+a.Highlights/100)})
	}
	if a.Shadows != 0 {
		c = append(c, Op{Func: Contrast, Amount: math.Max(0, 1+a.Shadows/100)})
	}
	if a.Temperature != 0 {
		c = append(c, Op{Func: HueRotate, Amount: a.Temperature})
	}
	if a.Tint != 0 {
		c = append(c, Op{Func: Saturate, Amount: math.Max(0, 1+a.Tint/100)})
	}
	if a.Vignette > 0 {
		c = append(c, Op{Func: Brightness, Amount: math.Max(0, 1-a.Vignette/200)})
	}
	return c
}
