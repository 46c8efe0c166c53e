// Package zoom turns pinch, wheel and tap gestures into a bounded preview scale.
//
// The scale only drives the live preview transform. Recorded frames are never
// zoomed.
package zoom

import (
	"math"
	"sync"
	"time"
)

// Options bounds and tunes the tracker.
type Options struct {
	MinZoom         float64
	MaxZoom         float64
	ZoomSpeed       float64 // scale per pixel of pinch distance change
	WheelFactor     float64 // scale per wheel delta unit
	DoubleTapScale  float64
	DoubleTapWindow time.Duration
}

// DefaultOptions mirrors the values used by the live preview.
func DefaultOptions() Options {
	return Options{
		MinZoom:         1,
		MaxZoom:         4,
		ZoomSpeed:       0.01,
		WheelFactor:     0.01,
		DoubleTapScale:  2,
		DoubleTapWindow: 300 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinZoom <= 0 {
		o.MinZoom = d.MinZoom
	}
	if o.MaxZoom < o.MinZoom {
		o.MaxZoom = math.Max(d.MaxZoom, o.MinZoom)
	}
	if o.ZoomSpeed <= 0 {
		o.ZoomSpeed = d.ZoomSpeed
	}
	if o.WheelFactor <= 0 {
		o.WheelFactor = d.WheelFactor
	}
	if o.DoubleTapScale <= 0 {
		o.DoubleTapScale = d.DoubleTapScale
	}
	if o.DoubleTapWindow <= 0 {
		o.DoubleTapWindow = d.DoubleTapWindow
	}
	return o
}

// Point is a contact point in viewport pixels.
type Point struct {
	X, Y float64
}

// Tracker owns the preview scale. It is safe for concurrent use.
type Tracker struct {
	opts Options

	mu           sync.Mutex
	scale        float64
	pinching     bool
	baseDistance float64
	baseScale    float64
	lastTap      time.Time
}

// New returns a tracker at scale 1 clamped into the configured range.
func New(opts Options) *Tracker {
	opts = opts.withDefaults()
	t := &Tracker{opts: opts}
	t.scale = t.clamp(1)
	t.baseScale = t.scale
	return t
}

// Options returns the effective options.
func (t *Tracker) Options() Options {
	return t.opts
}

// Scale returns the current scale.
func (t *Tracker) Scale() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scale
}

// Zoomed reports whether the preview is magnified.
func (t *Tracker) Zoomed() bool {
	return t.Scale() > 1
}

// Pinching reports whether a two-finger gesture is in progress.
func (t *Tracker) Pinching() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pinching
}

// GestureStart records the baseline when exactly two contacts are down.
func (t *Tracker) GestureStart(points []Point) {
	if len(points) != 2 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pinching = true
	t.baseDistance = distance(points[0], points[1])
	t.baseScale = t.scale
}

// GestureMove updates the scale from the change in pinch distance.
func (t *Tracker) GestureMove(points []Point) {
	if len(points) != 2 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pinching {
		return
	}
	delta := (distance(points[0], points[1]) - t.baseDistance) * t.opts.ZoomSpeed
	t.scale = t.clamp(t.baseScale + delta)
}

// GestureEnd ends the pinch once fewer than two contacts remain and freezes the
// baseline at the current scale.
func (t *Tracker) GestureEnd(remaining []Point) {
	if len(remaining) >= 2 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pinching = false
	t.baseScale = t.scale
}

// Wheel zooms only while the zoom modifier (ctrl or meta) is held.
// Negative deltaY zooms in.
func (t *Tracker) Wheel(deltaY float64, modifier bool) {
	if !modifier {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scale = t.clamp(t.scale - deltaY*t.opts.WheelFactor)
	t.baseScale = t.scale
}

// Tap feeds a single-finger tap. Two taps inside DoubleTapWindow toggle the zoom.
// It reports whether the tap completed a double tap.
func (t *Tracker) Tap(at time.Time, touches int) bool {
	t.mu.Lock()
	last := t.lastTap
	t.lastTap = at
	t.mu.Unlock()

	if touches != 1 || last.IsZero() {
		return false
	}
	gap := at.Sub(last)
	if gap <= 0 || gap >= t.opts.DoubleTapWindow {
		return false
	}
	t.DoubleTap()
	return true
}

// DoubleTap toggles between 1 and DoubleTapScale.
func (t *Tracker) DoubleTap() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scale == 1 {
		t.scale = t.clamp(t.opts.DoubleTapScale)
	} else {
		t.scale = t.clamp(1)
	}
	t.baseScale = t.scale
}

// Set forces a scale, clamped into range.
func (t *Tracker) Set(scale float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scale = t.clamp(scale)
	t.baseScale = t.scale
}

// Reset returns to scale 1.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scale = t.clamp(1)
	t.baseScale = t.scale
	t.pinching = false
}

// Transform is a uniform scale about the viewport center.
type Transform struct {
	Scale   float64
	OffsetX float64
	OffsetY float64
}

// Transform returns the preview transform for a viewport of the given size.
// A point p maps to p*Scale + Offset.
func (t *Tracker) Transform(viewW, viewH float64) Transform {
	s := t.Scale()
	return Transform{
		Scale:   s,
		OffsetX: viewW / 2 * (1 - s),
		OffsetY: viewH / 2 * (1 - s),
	}
}

func (t *Tracker) clamp(v float64) float64 {
	if math.IsNaN(v) {
		return t.opts.MinZoom
	}
	return math.Min(t.opts.MaxZoom, math.Max(t.opts.MinZoom, v))
}

func distance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}
