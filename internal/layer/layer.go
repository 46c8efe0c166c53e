package layer

import (
	"github.com/google/uuid"
)

// Kind identifies the layer variant. Draw order follows Kind order.
type Kind int

const (
	KindText Kind = iota
	KindSticker
	KindDrawing
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindSticker:
		return "sticker"
	case KindDrawing:
		return "drawing"
	default:
		return "unknown"
	}
}

// Layer is a timed, positioned visual element composited over the video.
// The set of implementations is closed: *Text, *Sticker and *Drawing.
type Layer interface {
	ID() string
	Kind() Kind
	Active(t float64) bool
	sealed()
}

// Window is the visibility interval of a layer in seconds relative to recording start.
// A non-positive Duration means the layer never expires.
type Window struct {
	Start    float64 `yaml:"start"`
	Duration float64 `yaml:"duration"`
}

// Unbounded reports whether the window has no end.
func (w Window) Unbounded() bool {
	return w.Duration <= 0
}

// End returns Start+Duration. For unbounded windows it returns Start.
func (w Window) End() float64 {
	if w.Unbounded() {
		return w.Start
	}
	return w.Start + w.Duration
}

// Active reports whether t lies in [Start, Start+Duration], both ends inclusive.
func (w Window) Active(t float64) bool {
	if t < w.Start {
		return false
	}
	if w.Unbounded() {
		return true
	}
	return t <= w.Start+w.Duration
}

// Shift returns the window moved by offset seconds.
func (w Window) Shift(offset float64) Window {
	return Window{Start: w.Start + offset, Duration: w.Duration}
}

// Align is the horizontal anchor of a text layer relative to its X position.
type Align string

const (
	AlignLeft   Align = "left"
	AlignCenter Align = "center"
	AlignRight  Align = "right"
)

// Text is a text overlay. X and Y are percentages of the canvas size and mark
// the anchor point; Y is the vertical center of the text box.
type Text struct {
	LayerID    string  `yaml:"id"`
	Text       string  `yaml:"text"`
	X          float64 `yaml:"x"`
	Y          float64 `yaml:"y"`
	FontSize   float64 `yaml:"font_size"`
	FontFamily string  `yaml:"font_family"`
	Color      string  `yaml:"color"`
	Background string  `yaml:"background"`
	Align      Align   `yaml:"align"`
	Opacity    float64 `yaml:"opacity"`
	Window     Window  `yaml:"window"`
}

// NewText fills defaults and assigns an id when missing.
func NewText(t Text) *Text {
	if t.LayerID == "" {
		t.LayerID = uuid.NewString()
	}
	if t.FontSize <= 0 {
		t.FontSize = 32
	}
	if t.Color == "" {
		t.Color = "#ffffff"
	}
	if t.Align == "" {
		t.Align = AlignCenter
	}
	if t.Opacity <= 0 || t.Opacity > 1 {
		t.Opacity = 1
	}
	return &t
}

func (t *Text) ID() string             { return t.LayerID }
func (t *Text) Kind() Kind             { return KindText }
func (t *Text) Active(at float64) bool { return t.Window.Active(at) }
func (t *Text) sealed()                {}

// Clone returns a copy with the same id.
func (t *Text) Clone() *Text {
	c := *t
	return &c
}

// Sticker is a single glyph (usually an emoji) drawn centered on its position.
type Sticker struct {
	LayerID  string  `yaml:"id"`
	Glyph    string  `yaml:"glyph"`
	X        float64 `yaml:"x"`
	Y        float64 `yaml:"y"`
	Size     float64 `yaml:"size"`
	Rotation float64 `yaml:"rotation"`
	Window   Window  `yaml:"window"`
}

// NewSticker fills defaults and assigns an id when missing.
func NewSticker(s Sticker) *Sticker {
	if s.LayerID == "" {
		s.LayerID = uuid.NewString()
	}
	if s.Size <= 0 {
		s.Size = 64
	}
	return &s
}

func (s *Sticker) ID() string             { return s.LayerID }
func (s *Sticker) Kind() Kind             { return KindSticker }
func (s *Sticker) Active(at float64) bool { return s.Window.Active(at) }
func (s *Sticker) sealed()                {}

// Drawing is a rasterized freehand overlay stretched over the whole canvas.
// It has no time window and stays visible once added.
type Drawing struct {
	LayerID string
	Raster  Raster
	Opacity float64
}

// NewDrawing wraps a raster into a drawing layer.
func NewDrawing(r Raster, opacity float64) *Drawing {
	if opacity <= 0 || opacity > 1 {
		opacity = 1
	}
	return &Drawing{LayerID: uuid.NewString(), Raster: r, Opacity: opacity}
}

func (d *Drawing) ID() string          { return d.LayerID }
func (d *Drawing) Kind() Kind          { return KindDrawing }
func (d *Drawing) Active(float64) bool { return true }
func (d *Drawing) sealed()             {}
