// Package timeline edits a sequence of clips cut from recorded blobs. Edits
// only move bounds; Export and Merge replay the sources through the same
// compositor and encoder used for live recording.
package timeline

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/layer"
)

var (
	ErrClipNotFound    = errors.New("timeline: clip not found")
	ErrNotEnoughClips  = errors.New("timeline: merge needs at least two clips")
	ErrIndexOutOfRange = errors.New("timeline: index out of range")
	ErrSplitOutOfRange = errors.New("timeline: split point outside the clip")
	ErrExportAborted   = errors.New("timeline: export aborted")
	ErrSequenceChanged = errors.New("timeline: sequence changed during merge")
	ErrInvalidDuration = errors.New("timeline: clip has no duration")
	ErrNothingToExport = errors.New("timeline: clip is empty")
)

// Clip is a trimmed window [Start, End) into a source blob. Overlay windows
// are relative to Start.
type Clip struct {
	ID               string
	Name             string
	Source           *encoder.Blob
	OriginalDuration float64
	Start            float64
	End              float64
	Overlays         []*layer.Text
}

// NewClip cuts a clip spanning the whole source.
func NewClip(name string, src *encoder.Blob, duration float64) *Clip {
	return &Clip{ID: uuid.NewString(), Name: name, Source: src, OriginalDuration: duration, End: duration}
}

// Duration is the trimmed length.
func (c *Clip) Duration() float64 { return c.End - c.Start }

// clone copies the clip and its overlays. The source blob is shared.
func (c *Clip) clone() *Clip {
	out := *c
	out.Overlays = make([]*layer.Text, len(c.Overlays))
	for i, t := range c.Overlays {
		out.Overlays[i] = t.Clone()
	}
	return &out
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

// Direction for Move.
type Direction int

const (
	Left Direction = iota
	Right
)

// Editor owns the clip sequence and the selection. Mutations are
// synchronous and leave the sequence untouched when they fail.
type Editor struct {
	replay *Replayer
	log    *slog.Logger

	mu       sync.Mutex
	clips    []*Clip
	selected string
	version  int
}

func NewEditor(r *Replayer, log *slog.Logger) *Editor {
	if log == nil {
		log = slog.Default()
	}
	return &Editor{replay: r, log: log}
}

// Add appends a clip. The first clip becomes the selection.
func (e *Editor) Add(c *Clip) error {
	if c == nil || c.OriginalDuration <= 0 {
		return ErrInvalidDuration
	}
	cp := c.clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Start = clamp(cp.Start, 0, cp.OriginalDuration)
	if cp.End <= 0 || cp.End > cp.OriginalDuration {
		cp.End = cp.OriginalDuration
	}
	cp.End = math.Max(cp.Start, cp.End)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.clips = append(e.clips, cp)
	if e.selected == "" {
		e.selected = cp.ID
	}
	e.version++
	return nil
}

// Clips returns copies of the sequence in order.
func (e *Editor) Clips() []*Clip {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Clip, len(e.clips))
	for i, c := range e.clips {
		out[i] = c.clone()
	}
	return out
}

func (e *Editor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clips)
}

// Get returns a copy of one clip.
func (e *Editor) Get(id string) (*Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	return e.clips[i].clone(), nil
}

// Selected returns the selected clip id, empty when nothing is selected.
func (e *Editor) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

func (e *Editor) Select(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.indexLocked(id) < 0 {
		return fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	e.selected = id
	return nil
}

func (e *Editor) indexLocked(id string) int {
	for i, c := range e.clips {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Trim sets new bounds clamped to [0, OriginalDuration]. A start past the
// end is pulled back to the end.
func (e *Editor) Trim(id string, start, end float64) (*Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	c := e.clips[i]
	end = clamp(end, 0, c.OriginalDuration)
	start = clamp(start, 0, end)
	c.Start, c.End = start, end
	e.version++
	return c.clone(), nil
}

// Split cuts the clip at rel seconds after its start. The first half keeps
// the position, the second follows it. Both share the source.
func (e *Editor) Split(id string, rel float64) (first, second *Clip, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	c := e.clips[i]
	if rel <= 0 || rel >= c.Duration() {
		return nil, nil, fmt.Errorf("%w: %.3fs of %.3fs", ErrSplitOutOfRange, rel, c.Duration())
	}
	at := c.Start + rel

	a := c.clone()
	a.ID = uuid.NewString()
	a.Name = c.Name + " (Part 1)"
	a.End = at
	a.Overlays = overlaysWithin(c.Overlays, 0, rel)

	b := c.clone()
	b.ID = uuid.NewString()
	b.Name = c.Name + " (Part 2)"
	b.Start = at
	b.Overlays = shiftOverlays(overlaysWithin(c.Overlays, rel, c.Duration()), -rel)

	e.clips = append(e.clips[:i], append([]*Clip{a, b}, e.clips[i+1:]...)...)
	if e.selected == id {
		e.selected = a.ID
	}
	e.version++
	return a.clone(), b.clone(), nil
}

// overlaysWithin keeps overlays visible somewhere in [from, to].
func overlaysWithin(ts []*layer.Text, from, to float64) []*layer.Text {
	var out []*layer.Text
	for _, t := range ts {
		if t.Window.Start > to {
			continue
		}
		if !t.Window.Unbounded() && t.Window.End() < from {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

func shiftOverlays(ts []*layer.Text, by float64) []*layer.Text {
	out := make([]*layer.Text, len(ts))
	for i, t := range ts {
		cp := t.Clone()
		cp.Window = cp.Window.Shift(by)
		out[i] = cp
	}
	return out
}

// Duplicate inserts a deep copy right after the clip.
func (e *Editor) Duplicate(id string) (*Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	cp := e.clips[i].clone()
	cp.ID = uuid.NewString()
	cp.Name += " (Copy)"
	for _, t := range cp.Overlays {
		t.LayerID = uuid.NewString()
	}
	e.clips = append(e.clips[:i+1], append([]*Clip{cp}, e.clips[i+1:]...)...)
	e.version++
	return cp.clone(), nil
}

// Delete removes the clip. Deleting the selection selects the first
// remaining clip.
func (e *Editor) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	e.clips = append(e.clips[:i], e.clips[i+1:]...)
	if e.selected == id {
		e.selected = ""
		if len(e.clips) > 0 {
			e.selected = e.clips[0].ID
		}
	}
	e.version++
	return nil
}

// Reorder moves the clip at from to position to.
func (e *Editor) Reorder(from, to int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reorderLocked(from, to)
}

func (e *Editor) reorderLocked(from, to int) error {
	n := len(e.clips)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("%w: %d -> %d of %d", ErrIndexOutOfRange, from, to, n)
	}
	if from == to {
		return nil
	}
	c := e.clips[from]
	rest := append(e.clips[:from:from], e.clips[from+1:]...)
	e.clips = append(rest[:to:to], append([]*Clip{c}, rest[to:]...)...)
	e.version++
	return nil
}

// Move swaps the clip with its neighbour. Moving past either end does nothing.
func (e *Editor) Move(id string, dir Direction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrClipNotFound, id)
	}
	j := i + 1
	if dir == Left {
		j = i - 1
	}
	if j < 0 || j >= len(e.clips) {
		return nil
	}
	return e.reorderLocked(i, j)
}

// TotalDuration sums the trimmed lengths.
func (e *Editor) TotalDuration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return total(e.clips)
}

func total(clips []*Clip) float64 {
	var sum float64
	for _, c := range clips {
		sum += c.Duration()
	}
	return sum
}

// Locate maps a time on the whole sequence to a clip and a time inside its
// source. The end of the sequence belongs to the last clip.
func (e *Editor) Locate(t float64) (*Clip, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.clips) == 0 || t < 0 {
		return nil, 0, ErrClipNotFound
	}
	var offset float64
	for i, c := range e.clips {
		d := c.Duration()
		if t < offset+d || (i == len(e.clips)-1 && t <= offset+d) {
			return c.clone(), c.Start + (t - offset), nil
		}
		offset += d
	}
	return nil, 0, ErrClipNotFound
}
