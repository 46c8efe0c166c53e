// Package recorder runs one recording session at a time: it drives the
// compositor at a fixed frame rate, feeds the encoder and keeps the elapsed
// seconds counter.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ivlev/reelforge/internal/clock"
	"github.com/ivlev/reelforge/internal/compositor"
	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/filter"
	"github.com/ivlev/reelforge/internal/layer"
	"github.com/ivlev/reelforge/internal/media"
)

var ErrNoStream = errors.New("recorder: no video stream")

type State int

const (
	Idle State = iota
	Recording
	Paused
	Stopping
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Mode is how frames reach the encoder.
type Mode int

const (
	// ModeDirect writes the source frames unmodified.
	ModeDirect Mode = iota
	// ModeCanvas composites video and layers first.
	ModeCanvas
)

func (m Mode) String() string {
	if m == ModeCanvas {
		return "canvas"
	}
	return "direct"
}

// Options configure one session. They are read once at Start.
type Options struct {
	FPS       int
	MimeType  string
	TimeSlice time.Duration
	Aspect    compositor.Aspect
	Mirror    bool
	Filter    filter.Chain
	Layers    *layer.Set
	// ForceCanvas composites even when nothing is modified.
	ForceCanvas bool
	Music       string
	MusicVolume float64
	Fonts       *compositor.FontBook
	// Zero bitrates use the encoder defaults.
	VideoBitrate int
	AudioBitrate int
	// ReleaseStream stops the stream tracks after the encoder flushed. Leave it
	// off when a camera owns the stream.
	ReleaseStream bool
}

// ChooseMode returns ModeCanvas when any visual modification is requested.
func ChooseMode(o Options) Mode {
	if o.ForceCanvas || o.Mirror || !o.Filter.Identity() || o.Layers.Len() > 0 {
		return ModeCanvas
	}
	return ModeDirect
}

// Hooks observe the session. They run on the recorder's goroutines and must
// not call back into the recorder.
type Hooks struct {
	OnStart func(Mode)
	OnFrame func(compositor.FrameStats)
	OnStop  func(blob *encoder.Blob, err error)
}

// session is the state of one Start..Stop cycle.
type session struct {
	opts    Options
	mode    Mode
	stream  *media.Stream
	comp    *compositor.Compositor
	enc     encoder.Session
	cancel  context.CancelFunc
	paused  atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once

	// written by the loop, read after done is closed
	last   image.Image
	frames int
	err    error
}

type Recorder struct {
	enc   encoder.Encoder
	clk   clock.Clock
	log   *slog.Logger
	hooks Hooks

	mu        sync.Mutex
	state     State
	mode      Mode
	cur       *session
	blob      *encoder.Blob
	err       error
	lastFrame *image.RGBA

	elapsed clock.Counter
}

func New(enc encoder.Encoder, clk clock.Clock, log *slog.Logger, hooks Hooks) *Recorder {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{enc: enc, clk: clk, log: log, hooks: hooks}
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsRecording is true while frames are being captured or the session is paused.
func (r *Recorder) IsRecording() bool {
	s := r.State()
	return s == Recording || s == Paused
}

// Elapsed is the whole-second counter. It keeps its value after Stop until
// Reset or the next Start.
func (r *Recorder) Elapsed() clock.TimeSource { return &r.elapsed }

func (r *Recorder) ElapsedSeconds() int { return r.elapsed.Whole() }

func (r *Recorder) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Blob is the last finished recording, nil before the first Stop or after a
// failed session.
func (r *Recorder) Blob() *encoder.Blob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blob
}

// Err is the cause of the last failed session.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// LastFrame is a copy of the final frame of the last session, for thumbnails.
func (r *Recorder) LastFrame() *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFrame
}

// Start begins a session. It does nothing unless the recorder is Idle. On
// error the recorder stays Idle.
func (r *Recorder) Start(ctx context.Context, stream *media.Stream, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Idle {
		return nil
	}
	if stream == nil || stream.Video == nil {
		return ErrNoStream
	}
	if opts.FPS <= 0 {
		opts.FPS = encoder.DefaultFPS
	}

	s := &session{
		opts:   opts,
		mode:   ChooseMode(opts),
		stream: stream,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	var w, h int
	if s.mode == ModeCanvas {
		comp, err := compositor.New(stream.Video, opts.Layers, &r.elapsed, compositor.Options{
			Aspect: opts.Aspect,
			Mirror: opts.Mirror,
			Filter: opts.Filter,
			Fonts:  opts.Fonts,
			Logger: r.log,
		})
		if err != nil {
			return r.failStartLocked(err)
		}
		s.comp = comp
		w, h = comp.Size()
	} else {
		w, h = stream.Video.Size()
		if w <= 0 || h <= 0 {
			w, h = compositor.FallbackWidth, compositor.FallbackHeight
		}
	}

	// сессия кодирования живёт дольше запроса, который её начал
	encCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	enc, err := r.enc.Begin(encCtx, encoder.Spec{
		Width:        w,
		Height:       h,
		FPS:          opts.FPS,
		MimeType:     opts.MimeType,
		TimeSlice:    opts.TimeSlice,
		Audio:        stream.Audio,
		Music:        opts.Music,
		MusicVolume:  opts.MusicVolume,
		VideoBitrate: opts.VideoBitrate,
		AudioBitrate: opts.AudioBitrate,
	})
	if err != nil {
		cancel()
		return r.failStartLocked(fmt.Errorf("begin encoder: %w", err))
	}
	s.enc, s.cancel = enc, cancel

	r.elapsed.Reset()
	r.blob, r.err, r.lastFrame = nil, nil, nil
	r.mode = s.mode
	r.cur = s
	r.state = Recording
	go r.loop(s)

	r.log.Info("recording started", "mode", s.mode.String(), "size", fmt.Sprintf("%dx%d", w, h), "fps", opts.FPS, "audio_tracks", len(stream.Audio))
	if r.hooks.OnStart != nil {
		r.hooks.OnStart(s.mode)
	}
	return nil
}

func (r *Recorder) failStartLocked(err error) error {
	r.err = err
	r.log.Error("recording failed to start", "error", err)
	if r.hooks.OnStop != nil {
		r.hooks.OnStop(nil, err)
	}
	return err
}

// loop is the only writer of the elapsed counter and of the canvas.
func (r *Recorder) loop(s *session) {
	defer close(s.done)
	frames := r.clk.NewTicker(time.Second / time.Duration(s.opts.FPS))
	defer frames.Stop()
	seconds := r.clk.NewTicker(time.Second)
	defer seconds.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-seconds.C():
			if !s.paused.Load() {
				r.elapsed.Tick()
			}
		case <-frames.C():
			if s.paused.Load() {
				continue
			}
			if err := r.capture(s); err != nil {
				r.abort(s, err)
				return
			}
		}
	}
}

func (r *Recorder) capture(s *session) error {
	var img image.Image
	if s.comp != nil {
		st, err := s.comp.DrawFrame()
		if err != nil {
			return fmt.Errorf("draw frame: %w", err)
		}
		if r.hooks.OnFrame != nil {
			r.hooks.OnFrame(st)
		}
		img = s.comp.Canvas()
	} else {
		img = s.stream.Video.Frame()
		if img == nil {
			// камера ещё не отдала первый кадр
			return nil
		}
		if r.hooks.OnFrame != nil {
			r.hooks.OnFrame(compositor.FrameStats{At: r.elapsed.Seconds(), Video: true})
		}
	}
	if err := s.enc.WriteFrame(img); err != nil {
		return fmt.Errorf("encode frame %d: %w", s.frames, err)
	}
	s.last = img
	s.frames++
	return nil
}

// abort ends a session that failed mid-recording. When Stop is already
// waiting it only records the cause.
func (r *Recorder) abort(s *session, err error) {
	s.err = err
	s.enc.Abort()
	s.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != s || r.state == Stopping {
		return
	}
	r.cur = nil
	r.state = Idle
	r.err = err
	r.blob = nil
	if s.opts.ReleaseStream {
		s.stream.Stop()
	}
	r.log.Error("recording failed", "error", err, "frames", s.frames)
	if r.hooks.OnStop != nil {
		r.hooks.OnStop(nil, err)
	}
}

// Pause freezes frame capture and the seconds counter.
func (r *Recorder) Pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Recording {
		return false
	}
	r.cur.paused.Store(true)
	r.cur.enc.SetPaused(true)
	r.state = Paused
	return true
}

func (r *Recorder) Resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Paused {
		return false
	}
	r.cur.enc.SetPaused(false)
	r.cur.paused.Store(false)
	r.state = Recording
	return true
}

// Stop halts capture, waits for the loop to exit, then flushes the encoder
// and finally releases the stream. It returns (nil, nil) when there is no
// session. The elapsed counter is left untouched.
func (r *Recorder) Stop(ctx context.Context) (*encoder.Blob, error) {
	r.mu.Lock()
	if r.state != Recording && r.state != Paused {
		r.mu.Unlock()
		return nil, nil
	}
	s := r.cur
	r.state = Stopping
	r.mu.Unlock()

	s.stopped.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-ctx.Done():
		// a stalled write keeps the loop busy; killing the encoder frees it
		s.enc.Abort()
		<-s.done
		if s.err == nil {
			s.err = ctx.Err()
		}
	}

	var (
		blob *encoder.Blob
		err  = s.err
	)
	if err == nil {
		blob, err = finish(ctx, s.enc)
	}
	s.cancel()
	if s.opts.ReleaseStream {
		s.stream.Stop()
	}

	var last *image.RGBA
	if err == nil && s.last != nil {
		last = snapshot(s.last)
	}

	r.mu.Lock()
	r.cur = nil
	r.state = Idle
	if err != nil {
		blob = nil
		r.err = err
	} else {
		r.blob = blob
		r.lastFrame = last
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Error("recording failed", "error", err, "frames", s.frames)
	} else {
		r.log.Info("recording stopped", "frames", s.frames, "seconds", r.elapsed.Whole(), "bytes", blob.Size())
	}
	if r.hooks.OnStop != nil {
		r.hooks.OnStop(blob, err)
	}
	return blob, err
}

// finish waits for the encoder flush, aborting it when ctx expires first.
func finish(ctx context.Context, enc encoder.Session) (*encoder.Blob, error) {
	type result struct {
		blob *encoder.Blob
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := enc.Finish()
		ch <- result{b, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("finish encoder: %w", res.err)
		}
		return res.blob, nil
	case <-ctx.Done():
		enc.Abort()
		return nil, ctx.Err()
	}
}

func snapshot(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}

// Reset clears the blob, the error and the elapsed counter. It only works
// while Idle.
func (r *Recorder) Reset() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Idle {
		return false
	}
	r.blob, r.err, r.lastFrame = nil, nil, nil
	r.elapsed.Reset()
	return true
}
