// Package encodertest provides an in-memory encoder that keeps every frame.
package encodertest

import (
	"context"
	"errors"
	"image"
	"image/draw"
	"sync"

	"github.com/ivlev/reelforge/internal/encoder"
)

var ErrInjected = errors.New("encodertest: injected failure")

// Encoder hands out fake sessions. BeginErr fails Begin; FailAfter makes
// WriteFrame fail once that many frames were accepted.
type Encoder struct {
	BeginErr  error
	FailAfter int
	FinishErr error

	mu       sync.Mutex
	sessions []*Session
}

var _ encoder.Encoder = (*Encoder)(nil)

func (e *Encoder) Begin(_ context.Context, spec encoder.Spec) (encoder.Session, error) {
	if e.BeginErr != nil {
		return nil, e.BeginErr
	}
	if spec.MimeType == "" {
		spec.MimeType = encoder.DefaultMime
	}
	if _, ok := encoder.Lookup(spec.MimeType); !ok {
		return nil, encoder.ErrUnsupportedMime
	}
	if spec.FPS <= 0 {
		spec.FPS = encoder.DefaultFPS
	}
	s := &Session{Spec: spec, failAfter: e.FailAfter, finishErr: e.FinishErr}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

// Sessions returns every session begun so far.
func (e *Encoder) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

// Last returns the newest session or nil.
func (e *Encoder) Last() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// Session copies every frame it receives. Finish returns a blob with one
// byte-sized chunk per frame.
type Session struct {
	Spec encoder.Spec

	failAfter int
	finishErr error

	mu       sync.Mutex
	frames   []*image.RGBA
	pausedAt []int
	paused   bool
	finished bool
	aborted  bool
}

func (s *Session) WriteFrame(img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.aborted {
		return encoder.ErrSessionClosed
	}
	if s.failAfter > 0 && len(s.frames) >= s.failAfter {
		return ErrInjected
	}
	b := img.Bounds()
	cp := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(cp, cp.Rect, img, b.Min, draw.Src)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *Session) SetPaused(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p && !s.paused {
		s.pausedAt = append(s.pausedAt, len(s.frames))
	}
	s.paused = p
}

func (s *Session) Finish() (*encoder.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted || s.finished {
		return nil, encoder.ErrSessionClosed
	}
	s.finished = true
	if s.finishErr != nil {
		return nil, s.finishErr
	}
	blob := &encoder.Blob{
		MimeType: s.Spec.MimeType,
		Width:    s.Spec.Width,
		Height:   s.Spec.Height,
		FPS:      s.Spec.FPS,
		Frames:   len(s.frames),
	}
	for range s.frames {
		blob.Chunks = append(blob.Chunks, []byte{0})
	}
	return blob, nil
}

func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.aborted = true
	}
}

// Frames returns copies of the frames written so far.
func (s *Session) Frames() []*image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*image.RGBA(nil), s.frames...)
}

func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// PausedAt lists the frame counts at which the session was paused.
func (s *Session) PausedAt() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.pausedAt...)
}
