// Package studio ties the camera, the recorder, the layer set, the zoom
// tracker and the persistence gateway into one recording workflow.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ivlev/reelforge/internal/compositor"
	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/filter"
	"github.com/ivlev/reelforge/internal/layer"
	"github.com/ivlev/reelforge/internal/media"
	"github.com/ivlev/reelforge/internal/recorder"
	"github.com/ivlev/reelforge/internal/storage"
	"github.com/ivlev/reelforge/internal/timeline"
	"github.com/ivlev/reelforge/internal/zoom"
)

var (
	ErrRecordingActive = errors.New("studio: not allowed while recording")
	ErrNoCamera        = errors.New("studio: camera is not open")
	ErrNothingRecorded = errors.New("studio: no finished recording")
	ErrNoGateway       = errors.New("studio: no storage configured")
)

// Config is the part of the session setup that stays fixed between takes.
type Config struct {
	Facing  media.Facing
	Session recorder.Options
	Zoom    zoom.Options
}

type Studio struct {
	cam    *media.Camera
	rec    *recorder.Recorder
	store  storage.Gateway
	replay *timeline.Replayer
	log    *slog.Logger

	layers *layer.Set
	zoom   *zoom.Tracker

	mu   sync.Mutex
	opts recorder.Options
	face media.Facing
}

func New(cam *media.Camera, rec *recorder.Recorder, store storage.Gateway, replay *timeline.Replayer, cfg Config, log *slog.Logger) *Studio {
	if log == nil {
		log = slog.Default()
	}
	layers := cfg.Session.Layers
	if layers == nil {
		layers = layer.NewSet()
	}
	opts := cfg.Session
	opts.Layers = layers
	// Поток принадлежит камере, рекордер его не останавливает.
	opts.ReleaseStream = false
	return &Studio{
		cam:    cam,
		rec:    rec,
		store:  store,
		replay: replay,
		log:    log,
		layers: layers,
		zoom:   zoom.New(cfg.Zoom),
		opts:   opts,
		face:   cfg.Facing,
	}
}

func (s *Studio) Recorder() *recorder.Recorder { return s.rec }
func (s *Studio) Layers() *layer.Set           { return s.layers }
func (s *Studio) Zoom() *zoom.Tracker          { return s.zoom }

// OpenCamera acquires the configured camera.
func (s *Studio) OpenCamera(ctx context.Context) (*media.Stream, error) {
	if s.rec.IsRecording() {
		return nil, ErrRecordingActive
	}
	s.mu.Lock()
	face := s.face
	s.mu.Unlock()
	return s.cam.Start(ctx, face)
}

// SwitchCamera flips between front and back cameras. It is rejected while a
// recording runs since the session holds the current stream.
func (s *Studio) SwitchCamera(ctx context.Context) (*media.Stream, error) {
	if s.rec.IsRecording() {
		return nil, ErrRecordingActive
	}
	st, err := s.cam.Switch(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.face = s.cam.Facing()
	s.mu.Unlock()
	s.zoom.Reset()
	return st, nil
}

func (s *Studio) CloseCamera() error {
	if s.rec.IsRecording() {
		return ErrRecordingActive
	}
	s.cam.Stop()
	return nil
}

// AddLayer appends to the active set. It is allowed mid-recording: a canvas
// session draws the layer from its next frame on. A direct session has no
// compositor, so the layer only reaches the next take; AddLayer reports false
// in that case.
func (s *Studio) AddLayer(l layer.Layer) bool {
	s.layers.Add(l)
	recording := s.rec.IsRecording()
	if recording && s.rec.Mode() == recorder.ModeDirect {
		s.log.Warn("layer added to a direct recording, it applies from the next take", "kind", l.Kind().String(), "id", l.ID())
		return false
	}
	s.log.Debug("layer added", "kind", l.Kind().String(), "id", l.ID(), "recording", recording)
	return true
}

// SetFilter, SetMirror and SetMusic change the next take only.
func (s *Studio) SetFilter(c filter.Chain) error {
	return s.configure(func(o *recorder.Options) { o.Filter = c })
}

func (s *Studio) SetMirror(on bool) error {
	return s.configure(func(o *recorder.Options) { o.Mirror = on })
}

func (s *Studio) SetMusic(path string, volume float64) error {
	return s.configure(func(o *recorder.Options) {
		o.Music = path
		o.MusicVolume = volume
	})
}

func (s *Studio) SetAspect(a compositor.Aspect) error {
	return s.configure(func(o *recorder.Options) { o.Aspect = a })
}

func (s *Studio) configure(fn func(*recorder.Options)) error {
	if s.rec.IsRecording() {
		return ErrRecordingActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.opts)
	return nil
}

// Options returns the options the next Start will use.
func (s *Studio) Options() recorder.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Start records from the open camera.
func (s *Studio) Start(ctx context.Context) error {
	st := s.cam.Stream()
	if st == nil || !st.Live() {
		return ErrNoCamera
	}
	return s.rec.Start(ctx, st, s.Options())
}

func (s *Studio) Pause() bool  { return s.rec.Pause() }
func (s *Studio) Resume() bool { return s.rec.Resume() }

// Stop waits for the encoder to flush and returns the finished blob.
func (s *Studio) Stop(ctx context.Context) (*encoder.Blob, error) {
	return s.rec.Stop(ctx)
}

// Save hands the finished blob to the gateway with the elapsed time kept by
// the recorder. The last composited frame becomes the thumbnail.
func (s *Studio) Save(ctx context.Context, title, description string) (storage.ID, error) {
	if s.store == nil {
		return "", ErrNoGateway
	}
	blob := s.rec.Blob()
	if s.rec.State() != recorder.Idle || blob.Empty() {
		return "", ErrNothingRecorded
	}
	rec := storage.Record{
		Blob:            blob,
		DurationSeconds: s.duration(),
		Title:           title,
		Description:     description,
		Metadata:        s.metadata(),
	}
	if f := s.rec.LastFrame(); f != nil {
		rec.Thumbnail = f
	}
	id, err := s.store.Save(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("save recording: %w", err)
	}
	s.log.Info("recording stored", "id", id, "duration", rec.DurationSeconds)
	return id, nil
}

// duration is the recorder's elapsed counter. Takes shorter than its first
// tick still count as one second.
func (s *Studio) duration() int {
	return max(1, s.rec.ElapsedSeconds())
}

func (s *Studio) metadata() map[string]any {
	o := s.Options()
	snap := s.layers.Snapshot()
	aspect := o.Aspect
	if aspect == "" {
		aspect = compositor.DefaultAspect
	}
	md := map[string]any{
		"mode":     s.rec.Mode().String(),
		"aspect":   string(aspect),
		"mirror":   o.Mirror,
		"texts":    len(snap.Texts),
		"stickers": len(snap.Stickers),
		"drawings": len(snap.Drawings),
	}
	if !o.Filter.Identity() {
		md["filter"] = o.Filter.String()
	}
	if o.Music != "" {
		md["music"] = o.Music
	}
	return md
}

// Edit opens the finished recording in a new timeline editor as a single
// clip.
func (s *Studio) Edit() (*timeline.Editor, error) {
	blob := s.rec.Blob()
	if s.rec.State() != recorder.Idle || blob.Empty() {
		return nil, ErrNothingRecorded
	}
	d := blob.Duration()
	if d <= 0 {
		d = float64(s.duration())
	}
	ed := timeline.NewEditor(s.replay, s.log)
	if err := ed.Add(timeline.NewClip("Recording", blob, d)); err != nil {
		return nil, err
	}
	return ed, nil
}

// Reset discards the finished take and its elapsed time.
func (s *Studio) Reset() bool {
	s.zoom.Reset()
	return s.rec.Reset()
}
