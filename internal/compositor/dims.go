package compositor

import (
	"fmt"
	"math"
)

// Aspect is an output aspect ratio written as "W:H".
type Aspect string

const (
	Aspect9x16 Aspect = "9:16"
	Aspect1x1  Aspect = "1:1"
	Aspect16x9 Aspect = "16:9"
)

// DefaultAspect is vertical, for short-form video.
const DefaultAspect = Aspect9x16

// ParseAspect accepts the three supported ratios. Empty means DefaultAspect.
func ParseAspect(s string) (Aspect, error) {
	switch a := Aspect(s); a {
	case "":
		return DefaultAspect, nil
	case Aspect9x16, Aspect1x1, Aspect16x9:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported aspect ratio %q", s)
	}
}

// Fallback source size used when the track does not report one.
const (
	FallbackWidth  = 720
	FallbackHeight = 1280
)

// Dimensions derives the canvas size from the source size and the target
// ratio. The source is cropped by the computed side, never stretched. Both
// sides are rounded up to even numbers for yuv420p.
func Dimensions(srcW, srcH int, aspect Aspect) (int, int) {
	if srcW <= 0 {
		srcW = FallbackWidth
	}
	if srcH <= 0 {
		srcH = FallbackHeight
	}
	fw, fh := float64(srcW), float64(srcH)

	var w, h int
	switch aspect {
	case Aspect1x1:
		side := min(srcW, srcH)
		w, h = side, side
	case Aspect16x9:
		if srcW > srcH {
			w, h = srcW, int(math.Round(fw*9/16))
		} else {
			w, h = int(math.Round(fh*16/9)), srcH
		}
	default:
		if srcH > srcW {
			w, h = srcW, int(math.Round(fw*16/9))
		} else {
			w, h = int(math.Round(fh*9/16)), srcH
		}
	}
	return even(w), even(h)
}

func even(v int) int {
	if v%2 != 0 {
		v++
	}
	return v
}
