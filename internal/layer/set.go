package layer

import "sync"

// Set is an append-only collection of layers. Layers may be appended while a
// recording is running; readers take snapshots.
type Set struct {
	mu     sync.RWMutex
	layers []Layer
}

// NewSet returns a set holding the given layers in insertion order.
func NewSet(layers ...Layer) *Set {
	s := &Set{}
	for _, l := range layers {
		s.Add(l)
	}
	return s
}

// Add appends a layer. Nil layers are ignored.
func (s *Set) Add(l Layer) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.layers = append(s.layers, l)
	s.mu.Unlock()
}

// Len returns the number of layers.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.layers)
}

// Snapshot groups the current layers by kind. Within a kind insertion order is kept.
func (s *Set) Snapshot() Snapshot {
	var snap Snapshot
	if s == nil {
		return snap
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.layers {
		switch v := l.(type) {
		case *Text:
			snap.Texts = append(snap.Texts, v)
		case *Sticker:
			snap.Stickers = append(snap.Stickers, v)
		case *Drawing:
			snap.Drawings = append(snap.Drawings, v)
		}
	}
	return snap
}

// Snapshot is a point-in-time view of a Set in draw order.
type Snapshot struct {
	Texts    []*Text
	Stickers []*Sticker
	Drawings []*Drawing
}

// Empty reports whether the snapshot has no layers at all.
func (s Snapshot) Empty() bool {
	return len(s.Texts) == 0 && len(s.Stickers) == 0 && len(s.Drawings) == 0
}

// ActiveTexts returns the text layers visible at t.
func (s Snapshot) ActiveTexts(t float64) []*Text {
	var out []*Text
	for _, l := range s.Texts {
		if l.Active(t) {
			out = append(out, l)
		}
	}
	return out
}

// ActiveStickers returns the stickers visible at t.
func (s Snapshot) ActiveStickers(t float64) []*Sticker {
	var out []*Sticker
	for _, l := range s.Stickers {
		if l.Active(t) {
			out = append(out, l)
		}
	}
	return out
}
