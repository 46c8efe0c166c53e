// Package filter parses CSS filter strings and applies them to RGBA frames.
package filter

import (
	"errors"
	"fmt"
	"image"
	"math"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

var ErrSyntax = errors.New("invalid filter")

// Func names a supported filter function.
type Func string

const (
	Brightness Func = "brightness"
	Contrast   Func = "contrast"
	Saturate   Func = "saturate"
	Sepia      Func = "sepia"
	Grayscale  Func = "grayscale"
	Invert     Func = "invert"
	HueRotate  Func = "hue-rotate"
	Opacity    Func = "opacity"
)

// Op is one filter function with its amount. HueRotate amounts are degrees;
// everything else is a plain factor where 1 means 100%.
type Op struct {
	Func   Func
	Amount float64
}

func (o Op) String() string {
	if o.Func == HueRotate {
		return fmt.Sprintf("%s(%sdeg)", o.Func, strconv.FormatFloat(o.Amount, 'g', -1, 64))
	}
	return fmt.Sprintf("%s(%s)", o.Func, strconv.FormatFloat(o.Amount, 'g', -1, 64))
}

// Chain is an ordered list of ops applied left to right.
type Chain []Op

// Identity reports whether the chain leaves every pixel unchanged.
func (c Chain) Identity() bool { return len(c) == 0 }

func (c Chain) String() string {
	if len(c) == 0 {
		return "none"
	}
	parts := make([]string, len(c))
	for i, o := range c {
		parts[i] = o.String()
	}
	return strings.Join(parts, " ")
}

// Parse reads a CSS filter value such as "contrast(1.2) saturate(135%)".
// An empty string and "none" yield an identity chain.
func Parse(s string) (Chain, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return nil, nil
	}

	var out Chain
	rest := s
	for rest != "" {
		open := strings.IndexByte(rest, '(')
		closing := strings.IndexByte(rest, ')')
		if open <= 0 || closing < open {
			return nil, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		name := Func(strings.ToLower(strings.TrimSpace(rest[:open])))
		arg := strings.TrimSpace(rest[open+1 : closing])
		rest = strings.TrimSpace(rest[closing+1:])

		op, err := parseOp(name, arg)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func parseOp(name Func, arg string) (Op, error) {
	switch name {
	case HueRotate:
		deg, err := parseAngle(arg)
		if err != nil {
			return Op{}, err
		}
		return Op{Func: name, Amount: deg}, nil
	case Brightness, Contrast, Saturate, Sepia, Grayscale, Invert, Opacity:
		v := 1.0
		if arg != "" {
			var err error
			if v, err = parseAmount(arg); err != nil {
				return Op{}, err
			}
		}
		if v < 0 {
			return Op{}, fmt.Errorf("%w: negative %s", ErrSyntax, name)
		}
		switch name {
		case Sepia, Grayscale, Invert, Opacity:
			v = math.Min(v, 1)
		}
		return Op{Func: name, Amount: v}, nil
	default:
		return Op{}, fmt.Errorf("%w: unknown function %q", ErrSyntax, name)
	}
}

func parseAmount(s string) (float64, error) {
	if p, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		return v / 100, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	return v, nil
}

func parseAngle(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	units := []struct {
		suffix string
		scale  float64
	}{
		{"deg", 1},
		{"grad", 0.9},
		{"rad", 180 / math.Pi},
		{"turn", 360},
	}
	for _, u := range units {
		if p, ok := strings.CutSuffix(s, u.suffix); ok {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
			}
			return v * u.scale, nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	return v, nil
}

// matrix is a 3x4 affine color transform on RGB in [0,1]. alpha scales the
// alpha channel.
type matrix struct {
	m     [3][4]float32
	alpha float32
}

func identity() matrix {
	return matrix{m: [3][4]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}, alpha: 1}
}

func (o Op) matrix() matrix {
	m := identity()
	a := o.Amount
	switch o.Func {
	case Brightness:
		m.m = [3][4]float32{{f(a), 0, 0, 0}, {0, f(a), 0, 0}, {0, 0, f(a), 0}}
	case Contrast:
		off := f(0.5 - 0.5*a)
		m.m = [3][4]float32{{f(a), 0, 0, off}, {0, f(a), 0, off}, {0, 0, f(a), off}}
	case Saturate:
		m.m = saturateMatrix(a)
	case Grayscale:
		g := 1 - a
		m.m = [3][4]float32{
			{f(0.2126 + 0.7874*g), f(0.7152 - 0.7152*g), f(0.0722 - 0.0722*g), 0},
			{f(0.2126 - 0.2126*g), f(0.7152 + 0.2848*g), f(0.0722 - 0.0722*g), 0},
			{f(0.2126 - 0.2126*g), f(0.7152 - 0.7152*g), f(0.0722 + 0.9278*g), 0},
		}
	case Sepia:
		g := 1 - a
		m.m = [3][4]float32{
			{f(0.393 + 0.607*g), f(0.769 - 0.769*g), f(0.189 - 0.189*g), 0},
			{f(0.349 - 0.349*g), f(0.686 + 0.314*g), f(0.168 - 0.168*g), 0},
			{f(0.272 - 0.272*g), f(0.534 - 0.534*g), f(0.131 + 0.869*g), 0},
		}
	case Invert:
		s := f(1 - 2*a)
		m.m = [3][4]float32{{s, 0, 0, f(a)}, {0, s, 0, f(a)}, {0, 0, s, f(a)}}
	case HueRotate:
		rad := a * math.Pi / 180
		c, s := math.Cos(rad), math.Sin(rad)
		m.m = [3][4]float32{
			{f(0.213 + c*0.787 - s*0.213), f(0.715 - c*0.715 - s*0.715), f(0.072 - c*0.072 + s*0.928), 0},
			{f(0.213 - c*0.213 + s*0.143), f(0.715 + c*0.285 + s*0.140), f(0.072 - c*0.072 - s*0.283), 0},
			{f(0.213 - c*0.213 - s*0.787), f(0.715 - c*0.715 + s*0.715), f(0.072 + c*0.928 + s*0.072), 0},
		}
	case Opacity:
		m.alpha = f(a)
	}
	return m
}

func saturateMatrix(s float64) [3][4]float32 {
	return [3][4]float32{
		{f(0.213 + 0.787*s), f(0.715 - 0.715*s), f(0.072 - 0.072*s), 0},
		{f(0.213 - 0.213*s), f(0.715 + 0.285*s), f(0.072 - 0.072*s), 0},
		{f(0.213 - 0.213*s), f(0.715 - 0.715*s), f(0.072 + 0.928*s), 0},
	}
}

func f(v float64) float32 { return float32(v) }

// Apply runs the chain over img in place. Rows are split across CPUs.
func (c Chain) Apply(img *image.RGBA) error {
	if c.Identity() || img == nil {
		return nil
	}
	ms := make([]matrix, len(c))
	for i, o := range c {
		ms[i] = o.matrix()
	}

	b := img.Bounds()
	workers := runtime.GOMAXPROCS(0)
	rows := (b.Dy() + workers - 1) / workers
	var g errgroup.Group
	for y0 := b.Min.Y; y0 < b.Max.Y; y0 += rows {
		y1 := min(y0+rows, b.Max.Y)
		g.Go(func() error {
			for y := y0; y < y1; y++ {
				off := img.PixOffset(b.Min.X, y)
				applyRow(img.Pix[off:off+4*b.Dx()], ms)
			}
			return nil
		})
	}
	return g.Wait()
}

func applyRow(px []uint8, ms []matrix) {
	for i := 0; i < len(px); i += 4 {
		a := float32(px[i+3]) / 255
		if a == 0 {
			continue
		}
		// работаем с непремультиплицированными значениями
		r := clamp01(float32(px[i]) / 255 / a)
		g := clamp01(float32(px[i+1]) / 255 / a)
		bl := clamp01(float32(px[i+2]) / 255 / a)
		for _, m := range ms {
			nr := clamp01(m.m[0][0]*r + m.m[0][1]*g + m.m[0][2]*bl + m.m[0][3])
			ng := clamp01(m.m[1][0]*r + m.m[1][1]*g + m.m[1][2]*bl + m.m[1][3])
			nb := clamp01(m.m[2][0]*r + m.m[2][1]*g + m.m[2][2]*bl + m.m[2][3])
			r, g, bl = nr, ng, nb
			a = clamp01(a * m.alpha)
		}
		px[i] = uint8(r*a*255 + 0.5)
		px[i+1] = uint8(g*a*255 + 0.5)
		px[i+2] = uint8(bl*a*255 + 0.5)
		px[i+3] = uint8(a*255 + 0.5)
	}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
