package layer

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/mazznoer/csscolorparser"
	"golang.org/x/image/vector"
)

var (
	ErrFinalized   = errors.New("sketch already finalized")
	ErrEmptyStroke = errors.New("stroke needs at least two points")
	ErrNothingUndo = errors.New("nothing to undo")
	ErrNothingRedo = errors.New("nothing to redo")
)

// Point is a stroke sample in sketch pixel coordinates.
type Point struct {
	X, Y float64
}

// Stroke is an ordered polyline with a color and width. Eraser strokes clear
// the pixels they cover.
type Stroke struct {
	Points []Point
	Color  string
	Width  float64
	Eraser bool
}

// Sketch collects vector strokes until Finalize bakes them into a raster.
type Sketch struct {
	width, height int
	strokes       []Stroke
	redo          []Stroke
	finalized     bool
}

// NewSketch returns an empty sketch for a surface of the given size.
func NewSketch(width, height int) *Sketch {
	return &Sketch{width: width, height: height}
}

// Add appends a stroke and clears the redo stack.
func (s *Sketch) Add(st Stroke) error {
	if s.finalized {
		return ErrFinalized
	}
	if len(st.Points) < 2 {
		return ErrEmptyStroke
	}
	if st.Width <= 0 {
		st.Width = 5
	}
	s.strokes = append(s.strokes, st)
	s.redo = nil
	return nil
}

// Undo removes the last stroke.
func (s *Sketch) Undo() error {
	if s.finalized {
		return ErrFinalized
	}
	if len(s.strokes) == 0 {
		return ErrNothingUndo
	}
	last := s.strokes[len(s.strokes)-1]
	s.strokes = s.strokes[:len(s.strokes)-1]
	s.redo = append(s.redo, last)
	return nil
}

// Redo restores the last undone stroke.
func (s *Sketch) Redo() error {
	if s.finalized {
		return ErrFinalized
	}
	if len(s.redo) == 0 {
		return ErrNothingRedo
	}
	last := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.strokes = append(s.strokes, last)
	return nil
}

// Clear drops every stroke.
func (s *Sketch) Clear() error {
	if s.finalized {
		return ErrFinalized
	}
	s.strokes, s.redo = nil, nil
	return nil
}

// Strokes returns the current strokes.
func (s *Sketch) Strokes() []Stroke {
	return append([]Stroke(nil), s.strokes...)
}

// Finalize rasterizes all strokes once and returns the resulting drawing layer.
// The sketch cannot be edited afterwards.
func (s *Sketch) Finalize(opacity float64) (*Drawing, error) {
	if s.finalized {
		return nil, ErrFinalized
	}
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for _, st := range s.strokes {
		rasterizeStroke(img, st)
	}
	s.finalized = true
	return NewDrawing(StaticRaster(img), opacity), nil
}

const capSegments = 16

// rasterizeStroke fills every segment quad and a disc at each sample so joins
// and caps are round. All sub-paths share one winding direction, which keeps
// overlaps from cancelling inside the accumulator.
func rasterizeStroke(dst *image.RGBA, st Stroke) {
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	hw := st.Width / 2

	for i := 1; i < len(st.Points); i++ {
		p0, p1 := st.Points[i-1], st.Points[i]
		dx, dy := p1.X-p0.X, p1.Y-p0.Y
		l := math.Hypot(dx, dy)
		if l == 0 {
			continue
		}
		nx, ny := -dy/l*hw, dx/l*hw
		z.MoveTo(float32(p0.X+nx), float32(p0.Y+ny))
		z.LineTo(float32(p1.X+nx), float32(p1.Y+ny))
		z.LineTo(float32(p1.X-nx), float32(p1.Y-ny))
		z.LineTo(float32(p0.X-nx), float32(p0.Y-ny))
		z.ClosePath()
	}
	for _, p := range st.Points {
		for k := 0; k <= capSegments; k++ {
			a := -2 * math.Pi * float64(k) / capSegments
			x, y := float32(p.X+hw*math.Cos(a)), float32(p.Y+hw*math.Sin(a))
			if k == 0 {
				z.MoveTo(x, y)
			} else {
				z.LineTo(x, y)
			}
		}
		z.ClosePath()
	}

	if !st.Eraser {
		z.DrawOp = draw.Over
		z.Draw(dst, b, image.NewUniform(ParseColor(st.Color, color.RGBA{R: 0xff, A: 0xff})), image.Point{})
		return
	}
	mask := image.NewAlpha(b)
	z.DrawOp = draw.Src
	z.Draw(mask, b, image.Opaque, image.Point{})
	erase(dst, mask)
}

// erase scales every premultiplied pixel of dst by 1 - coverage.
func erase(dst *image.RGBA, mask *image.Alpha) {
	for i, m := range mask.Pix {
		if m == 0 {
			continue
		}
		keep := uint32(255 - m)
		px := dst.Pix[4*i : 4*i+4 : 4*i+4]
		for c := range px {
			px[c] = uint8((uint32(px[c])*keep + 127) / 255)
		}
	}
}

// ParseColor parses a CSS color string into premultiplied RGBA.
func ParseColor(s string, fallback color.RGBA) color.RGBA {
	c, err := csscolorparser.Parse(s)
	if err != nil {
		return fallback
	}
	r, g, b, a := c.RGBA255()
	return color.RGBA{
		R: uint8(uint16(r) * uint16(a) / 255),
		G: uint8(uint16(g) * uint16(a) / 255),
		B: uint8(uint16(b) * uint16(a) / 255),
		A: a,
	}
}
