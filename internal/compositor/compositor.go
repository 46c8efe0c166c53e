// Package compositor renders one output frame per tick: the live video frame,
// then text, sticker and drawing layers, into a single canvas owned by the
// compositor.
package compositor

import (
	"errors"
	"image"
	"image/color"
	"log/slog"
	"math"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/ivlev/reelforge/internal/clock"
	"github.com/ivlev/reelforge/internal/filter"
	"github.com/ivlev/reelforge/internal/layer"
	"github.com/ivlev/reelforge/internal/media"
	"github.com/ivlev/reelforge/internal/system"
)

var (
	ErrNoContext          = errors.New("compositor: canvas unavailable")
	ErrNoSource           = errors.New("compositor: no video source")
	ErrNoSourceDimensions = errors.New("compositor: source reports no dimensions")
)

// MaxCanvasSide bounds either canvas side.
const MaxCanvasSide = 8192

// Step is one stage of DrawFrame.
type Step uint8

const (
	StepClear Step = 1 << iota
	StepVideo
	StepText
	StepStickers
	StepDrawings
)

// Text background padding in canvas pixels.
const (
	textPadX = 16
	textPadY = 8
)

type Options struct {
	Aspect Aspect
	Mirror bool
	Filter filter.Chain
	// Disabled turns individual steps off. The zero value runs all of them.
	Disabled Step
	// StrictSize fails New when the source reports no size instead of
	// falling back to 720x1280.
	StrictSize bool
	// Width and Height, when both set, override the derived canvas size.
	Width, Height int
	Fonts         *FontBook
	Logger        *slog.Logger
}

// FrameStats reports what one DrawFrame call drew.
type FrameStats struct {
	At              float64
	Video           bool
	Texts           int
	Stickers        int
	Drawings        int
	SkippedDrawings int
}

// Compositor is driven from a single goroutine. Only DrawFrame writes to the
// canvas.
type Compositor struct {
	src    media.VideoTrack
	layers *layer.Set
	clock  clock.TimeSource
	opts   Options
	fonts  *FontBook
	log    *slog.Logger

	canvas *image.RGBA
}

func New(src media.VideoTrack, layers *layer.Set, ts clock.TimeSource, opts Options) (*Compositor, error) {
	if src == nil {
		return nil, ErrNoSource
	}
	if opts.Aspect == "" {
		opts.Aspect = DefaultAspect
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sw, sh := src.Size()
	if (sw <= 0 || sh <= 0) && opts.StrictSize {
		return nil, ErrNoSourceDimensions
	}
	w, h := Dimensions(sw, sh, opts.Aspect)
	if opts.Width > 0 && opts.Height > 0 {
		w, h = even(opts.Width), even(opts.Height)
	}
	if w <= 0 || h <= 0 || w > MaxCanvasSide || h > MaxCanvasSide {
		return nil, ErrNoContext
	}

	fonts := opts.Fonts
	if fonts == nil {
		var err error
		if fonts, err = NewFontBook(); err != nil {
			return nil, errors.Join(ErrNoContext, err)
		}
	}
	if ts == nil {
		ts = new(clock.Counter)
	}

	return &Compositor{
		src:    src,
		layers: layers,
		clock:  ts,
		opts:   opts,
		fonts:  fonts,
		log:    opts.Logger,
		canvas: image.NewRGBA(image.Rect(0, 0, w, h)),
	}, nil
}

// Canvas returns the frame buffer. It is only valid until the next DrawFrame.
func (c *Compositor) Canvas() *image.RGBA { return c.canvas }

func (c *Compositor) Size() (int, int) { return c.canvas.Rect.Dx(), c.canvas.Rect.Dy() }

func (c *Compositor) Options() Options { return c.opts }

func (c *Compositor) enabled(s Step) bool { return c.opts.Disabled&s == 0 }

// DrawFrame renders the frame due at the time source's current value.
func (c *Compositor) DrawFrame() (FrameStats, error) {
	st := FrameStats{At: c.clock.Seconds()}

	if c.enabled(StepClear) {
		clear(c.canvas.Pix)
	}
	if c.enabled(StepVideo) {
		if frame := c.src.Frame(); frame != nil {
			c.drawVideo(frame)
			if err := c.opts.Filter.Apply(c.canvas); err != nil {
				return st, err
			}
			st.Video = true
		}
	}

	snap := c.layers.Snapshot()
	if c.enabled(StepText) {
		for _, t := range snap.ActiveTexts(st.At) {
			if c.drawText(t) {
				st.Texts++
			}
		}
	}
	if c.enabled(StepStickers) {
		for _, s := range snap.ActiveStickers(st.At) {
			if c.drawSticker(s) {
				st.Stickers++
			}
		}
	}
	if c.enabled(StepDrawings) {
		for _, d := range snap.Drawings {
			if !d.Raster.Complete() {
				// still loading, retried next frame
				st.SkippedDrawings++
				continue
			}
			c.drawDrawing(d)
			st.Drawings++
		}
	}
	return st, nil
}

// coverTransform maps src into dst scaled to cover it, centered, optionally
// flipped horizontally.
func coverTransform(sr image.Rectangle, dw, dh int, mirror bool) f64.Aff3 {
	sw, sh := float64(sr.Dx()), float64(sr.Dy())
	s := math.Max(float64(dw)/sw, float64(dh)/sh)
	tx := (float64(dw) - sw*s) / 2
	ty := (float64(dh) - sh*s) / 2
	tx -= s * float64(sr.Min.X)
	ty -= s * float64(sr.Min.Y)
	if mirror {
		return f64.Aff3{-s, 0, float64(dw) - tx, 0, s, ty}
	}
	return f64.Aff3{s, 0, tx, 0, s, ty}
}

func (c *Compositor) drawVideo(frame image.Image) {
	sr := frame.Bounds()
	dw, dh := c.Size()
	if !c.opts.Mirror && sr.Dx() == dw && sr.Dy() == dh {
		draw.Draw(c.canvas, c.canvas.Rect, frame, sr.Min, draw.Src)
		return
	}
	m := coverTransform(sr, dw, dh, c.opts.Mirror)
	draw.ApproxBiLinear.Transform(c.canvas, m, frame, sr, draw.Src, nil)
}

// fade scales a premultiplied color by opacity.
func fade(col color.RGBA, opacity float64) color.RGBA {
	if opacity >= 1 {
		return col
	}
	if opacity <= 0 {
		return color.RGBA{}
	}
	return color.RGBA{
		R: uint8(float64(col.R)*opacity + 0.5),
		G: uint8(float64(col.G)*opacity + 0.5),
		B: uint8(float64(col.B)*opacity + 0.5),
		A: uint8(float64(col.A)*opacity + 0.5),
	}
}

func (c *Compositor) pct(x, y float64) (float64, float64) {
	w, h := c.Size()
	return x / 100 * float64(w), y / 100 * float64(h)
}

func (c *Compositor) drawText(t *layer.Text) bool {
	if t.Text == "" || t.Opacity <= 0 {
		return false
	}
	face, err := c.fonts.Face(t.FontFamily, t.FontSize)
	if err != nil {
		c.log.Debug("text face unavailable", "layer", t.ID(), "error", err)
		return false
	}

	lines := strings.Split(t.Text, "\n")
	m := face.Metrics()
	lineH := m.Height.Ceil()
	if lineH <= 0 {
		lineH = (m.Ascent + m.Descent).Ceil()
	}
	widths := make([]int, len(lines))
	maxW := 0
	for i, l := range lines {
		widths[i] = font.MeasureString(face, l).Ceil()
		maxW = max(maxW, widths[i])
	}
	blockH := lineH * len(lines)

	ax, ay := c.pct(t.X, t.Y)
	left := int(math.Round(ax))
	switch t.Align {
	case layer.AlignCenter:
		left -= maxW / 2
	case layer.AlignRight:
		left -= maxW
	}
	top := int(math.Round(ay)) - blockH/2

	if t.Background != "" {
		bg := fade(layer.ParseColor(t.Background, color.RGBA{}), t.Opacity)
		if bg.A > 0 {
			r := image.Rect(left-textPadX, top-textPadY, left+maxW+textPadX, top+blockH+textPadY)
			draw.Draw(c.canvas, r, image.NewUniform(bg), image.Point{}, draw.Over)
		}
	}

	fg := fade(layer.ParseColor(t.Color, color.RGBA{0xff, 0xff, 0xff, 0xff}), t.Opacity)
	d := font.Drawer{Dst: c.canvas, Src: image.NewUniform(fg), Face: face}
	for i, l := range lines {
		x := left
		switch t.Align {
		case layer.AlignCenter:
			x += (maxW - widths[i]) / 2
		case layer.AlignRight:
			x += maxW - widths[i]
		}
		baseline := top + i*lineH + m.Ascent.Ceil()
		d.Dot = fixed.P(x, baseline)
		d.DrawString(l)
	}
	return true
}

// glyphRunes drops variation selectors and joiners that only matter to color
// emoji shaping.
func glyphRunes(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0x200d || (r >= 0xfe00 && r <= 0xfe0f) {
			return -1
		}
		return r
	}, s)
}

func (c *Compositor) drawSticker(s *layer.Sticker) bool {
	size := s.Size
	if size <= 0 {
		return false
	}
	side := int(math.Ceil(size * 1.5))
	scratch := system.GetFrame(image.Rect(0, 0, side, side))
	defer system.PutFrame(scratch)
	clear(scratch.Pix)

	glyph := glyphRunes(s.Glyph)
	face, err := c.fonts.StickerFace(size)
	if err == nil && c.fonts.StickerCovers(glyph) {
		m := face.Metrics()
		w := font.MeasureString(face, glyph).Ceil()
		h := (m.Ascent + m.Descent).Ceil()
		d := font.Drawer{Dst: scratch, Src: image.White, Face: face}
		d.Dot = fixed.P((side-w)/2, (side-h)/2+m.Ascent.Ceil())
		d.DrawString(glyph)
	} else {
		// the font has no such glyph; a disc marks the sticker position
		disc(scratch, float64(side)/2, size/2)
	}

	px, py := c.pct(s.X, s.Y)
	half := float64(side) / 2
	if s.Rotation == 0 {
		at := image.Pt(int(math.Round(px-half)), int(math.Round(py-half)))
		draw.Draw(c.canvas, scratch.Rect.Add(at), scratch, image.Point{}, draw.Over)
		return true
	}
	rad := s.Rotation * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	m := f64.Aff3{
		cos, -sin, px - cos*half + sin*half,
		sin, cos, py - sin*half - cos*half,
	}
	draw.ApproxBiLinear.Transform(c.canvas, m, scratch, scratch.Rect, draw.Over, nil)
	return true
}

func disc(dst *image.RGBA, center, r float64) {
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	const n = 32
	for k := 0; k <= n; k++ {
		a := 2 * math.Pi * float64(k) / n
		x, y := float32(center+r*math.Cos(a)), float32(center+r*math.Sin(a))
		if k == 0 {
			z.MoveTo(x, y)
		} else {
			z.LineTo(x, y)
		}
	}
	z.ClosePath()
	z.Draw(dst, b, image.NewUniform(color.RGBA{0xe0, 0xe0, 0xe0, 0xe0}), image.Point{})
}

func (c *Compositor) drawDrawing(d *layer.Drawing) {
	img := d.Raster.Image()
	if img == nil || d.Opacity <= 0 {
		return
	}
	sr := img.Bounds()
	var opts *draw.Options
	if d.Opacity < 1 {
		opts = &draw.Options{SrcMask: image.NewUniform(color.Alpha{A: uint8(d.Opacity*255 + 0.5)})}
	}
	if sr.Size() == c.canvas.Rect.Size() {
		if opts == nil {
			draw.Draw(c.canvas, c.canvas.Rect, img, sr.Min, draw.Over)
		} else {
			draw.DrawMask(c.canvas, c.canvas.Rect, img, sr.Min, opts.SrcMask, image.Point{}, draw.Over)
		}
		return
	}
	draw.ApproxBiLinear.Scale(c.canvas, c.canvas.Rect, img, sr, draw.Over, opts)
}
