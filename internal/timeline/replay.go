package timeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ivlev/reelforge/internal/clock"
	"github.com/ivlev/reelforge/internal/compositor"
	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/layer"
	"github.com/ivlev/reelforge/internal/media"
)

// DefaultSeekTimeout bounds a single seek during replay.
const DefaultSeekTimeout = 5 * time.Second

// Player decodes one source blob at arbitrary times.
type Player interface {
	Size() (width, height int)
	HasAudio() bool
	Seek(ctx context.Context, t float64) (image.Image, error)
	Audio(ctx context.Context, start, duration float64) (media.AudioTrack, error)
	Close() error
}

type Opener interface {
	Open(ctx context.Context, src *encoder.Blob) (Player, error)
}

// FFmpegOpener writes blobs into Dir and decodes them with ffmpeg.
type FFmpegOpener struct {
	Dir string
	FPS int
	Log *slog.Logger
}

func (o FFmpegOpener) Open(ctx context.Context, src *encoder.Blob) (Player, error) {
	if src.Empty() {
		return nil, ErrNothingToExport
	}
	dir := o.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	path, err := src.Materialize(dir)
	if err != nil {
		return nil, err
	}
	return media.OpenPlayer(ctx, path, o.FPS, o.Log)
}

// Downloader offers a finished export to the user.
type Downloader interface {
	Download(name string, blob *encoder.Blob) (string, error)
}

// DirDownloader saves downloads into Dir.
type DirDownloader struct {
	Dir string
}

func (d DirDownloader) Download(name string, blob *encoder.Blob) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(d.Dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := blob.WriteTo(f); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// Replayer renders clips frame by frame into a new encoder session.
type Replayer struct {
	Opener      Opener
	Encoder     encoder.Encoder
	Downloader  Downloader
	FPS         int
	MimeType    string
	Bitrate     int
	SeekTimeout time.Duration
	Fonts       *compositor.FontBook
	Clock       clock.Clock
	Log         *slog.Logger
	// OnExport reports "ok" or "aborted" after every export and merge.
	OnExport func(result string)
}

func (r *Replayer) fps() int {
	if r.FPS <= 0 {
		return encoder.DefaultFPS
	}
	return r.FPS
}

func (r *Replayer) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

func (r *Replayer) report(err error) {
	if r.OnExport == nil {
		return
	}
	if err != nil {
		r.OnExport("aborted")
		return
	}
	r.OnExport("ok")
}

// frameCount is the number of frames in [0, d) at fps.
func frameCount(d float64, fps int) int {
	return int(math.Ceil(d*float64(fps) - 1e-9))
}

// laidOut is how long a clip of length d lasts in rendered output.
func laidOut(d float64, fps int) float64 {
	return float64(frameCount(d, fps)) / float64(fps)
}

// Render replays clips back to back. With overlays set, each clip's text
// layers are drawn shifted by the clip's offset in the output.
func (r *Replayer) Render(ctx context.Context, clips []*Clip, overlays bool) (*encoder.Blob, error) {
	if len(clips) == 0 {
		return nil, ErrNothingToExport
	}
	log := r.logger()
	fps := r.fps()
	seekTimeout := r.SeekTimeout
	if seekTimeout <= 0 {
		seekTimeout = DefaultSeekTimeout
	}

	players := make([]Player, 0, len(clips))
	defer func() {
		for _, p := range players {
			p.Close()
		}
	}()
	for _, c := range clips {
		p, err := r.Opener.Open(ctx, c.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrExportAborted, c.Name, err)
		}
		players = append(players, p)
	}

	w, h := players[0].Size()
	src := &replayVideo{w: w, h: h}
	set := layer.NewSet()
	var offset float64
	for _, c := range clips {
		if overlays {
			for _, t := range shiftOverlays(c.Overlays, offset) {
				set.Add(t)
			}
		}
		offset += laidOut(c.Duration(), fps)
	}

	var at clock.Fixed
	comp, err := compositor.New(src, set, &at, compositor.Options{Width: w, Height: h, Fonts: r.Fonts, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExportAborted, err)
	}

	spec := encoder.Spec{Width: w, Height: h, FPS: fps, MimeType: r.MimeType, VideoBitrate: r.Bitrate}
	audio, err := replayAudio(ctx, players, clips, fps)
	if err != nil {
		return nil, fmt.Errorf("%w: audio: %w", ErrExportAborted, err)
	}
	if audio != nil {
		defer audio.Stop()
		spec.Audio = []media.AudioTrack{audio}
	}

	sess, err := r.Encoder.Begin(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: begin encoder: %w", ErrExportAborted, err)
	}

	written := 0
	var outT float64
	for ci, c := range clips {
		n := frameCount(c.Duration(), fps)
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				sess.Abort()
				return nil, fmt.Errorf("%w: %w", ErrExportAborted, err)
			}
			srcT := c.Start + float64(i)/float64(fps)
			seekCtx, cancel := context.WithTimeout(ctx, seekTimeout)
			img, err := players[ci].Seek(seekCtx, srcT)
			cancel()
			if err != nil {
				sess.Abort()
				return nil, fmt.Errorf("%w: seek %q to %.3fs: %w", ErrExportAborted, c.Name, srcT, err)
			}
			src.set(img)
			at.Set(outT + float64(i)/float64(fps))
			if _, err := comp.DrawFrame(); err != nil {
				sess.Abort()
				return nil, fmt.Errorf("%w: draw: %w", ErrExportAborted, err)
			}
			if err := sess.WriteFrame(comp.Canvas()); err != nil {
				sess.Abort()
				return nil, fmt.Errorf("%w: encode: %w", ErrExportAborted, err)
			}
			written++
		}
		outT += laidOut(c.Duration(), fps)
	}

	blob, err := sess.Finish()
	if err != nil {
		return nil, fmt.Errorf("%w: finish: %w", ErrExportAborted, err)
	}
	log.Debug("replay finished", "clips", len(clips), "frames", written, "bytes", blob.Size())
	return blob, nil
}

// replayVideo is the compositor source during replay: it shows whatever
// frame the last seek returned.
type replayVideo struct {
	w, h int
	mu   sync.Mutex
	cur  image.Image
}

func (v *replayVideo) ID() string       { return "replay" }
func (v *replayVideo) Kind() media.Kind { return media.KindVideo }
func (v *replayVideo) Stop()            {}
func (v *replayVideo) Ended() bool      { return false }
func (v *replayVideo) Size() (int, int) { return v.w, v.h }

func (v *replayVideo) set(img image.Image) {
	v.mu.Lock()
	v.cur = img
	v.mu.Unlock()
}

func (v *replayVideo) Frame() image.Image {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// sequenceAudio plays per-clip audio segments back to back. Every segment is
// cut or padded with silence to the exact length of its clip's frames.
type sequenceAudio struct {
	id       string
	r        io.Reader
	segments []media.AudioTrack
	ended    atomic.Bool
	once     sync.Once
}

func replayAudio(ctx context.Context, players []Player, clips []*Clip, fps int) (*sequenceAudio, error) {
	withAudio := false
	for _, p := range players {
		withAudio = withAudio || p.HasAudio()
	}
	if !withAudio {
		return nil, nil
	}
	f := media.DefaultAudioFormat
	frameBytes := int64(f.Channels * 2)

	s := &sequenceAudio{id: uuid.NewString()}
	readers := make([]io.Reader, 0, len(clips))
	for i, c := range clips {
		d := float64(frameCount(c.Duration(), fps)) / float64(fps)
		n := int64(math.Round(d*float64(f.SampleRate))) * frameBytes
		if !players[i].HasAudio() {
			readers = append(readers, io.LimitReader(zeros{}, n))
			continue
		}
		seg, err := players[i].Audio(ctx, c.Start, d)
		if err != nil {
			s.Stop()
			return nil, err
		}
		s.segments = append(s.segments, seg)
		readers = append(readers, io.LimitReader(io.MultiReader(io.LimitReader(seg, n), zeros{}), n))
	}
	s.r = io.MultiReader(readers...)
	return s, nil
}

func (s *sequenceAudio) ID() string                { return s.id }
func (s *sequenceAudio) Kind() media.Kind          { return media.KindAudio }
func (s *sequenceAudio) Ended() bool               { return s.ended.Load() }
func (s *sequenceAudio) Format() media.AudioFormat { return media.DefaultAudioFormat }

func (s *sequenceAudio) Read(p []byte) (int, error) {
	if s.Ended() {
		return 0, io.EOF
	}
	return s.r.Read(p)
}

func (s *sequenceAudio) Stop() {
	s.once.Do(func() {
		s.ended.Store(true)
		for _, seg := range s.segments {
			seg.Stop()
		}
	})
}

// Exported is the result of Export.
type Exported struct {
	Blob *encoder.Blob
	// Download is where the downloader put the file, empty without one.
	Download string
}

// Export replays the clip's trimmed window with its overlays into a new
// recording and offers it for download. Any seek failure or stall aborts
// the export with ErrExportAborted.
func (e *Editor) Export(ctx context.Context, id string) (*Exported, error) {
	if e.replay == nil {
		return nil, fmt.Errorf("%w: no replayer", ErrExportAborted)
	}
	c, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if c.Duration() <= 0 {
		return nil, ErrNothingToExport
	}

	blob, err := e.replay.Render(ctx, []*Clip{c}, true)
	e.replay.report(err)
	if err != nil {
		e.log.Warn("export failed", "clip", c.ID, "error", err)
		return nil, err
	}
	out := &Exported{Blob: blob}
	if d := e.replay.Downloader; d != nil {
		clk := e.replay.Clock
		if clk == nil {
			clk = clock.Real()
		}
		name := fmt.Sprintf("edited-video-%d.%s", clk.Now().UnixMilli(), blob.Ext())
		if out.Download, err = d.Download(name, blob); err != nil {
			e.log.Warn("download failed", "name", name, "error", err)
		}
	}
	e.log.Info("export complete", "clip", c.ID, "seconds", c.Duration(), "bytes", blob.Size(), "download", out.Download)
	return out, nil
}

// Merge renders every clip in order into one continuous recording and
// replaces the sequence with a single clip. Overlays are not baked in: the
// merged clip carries all of them, shifted by each clip's offset.
func (e *Editor) Merge(ctx context.Context) (*Clip, error) {
	e.mu.Lock()
	if len(e.clips) < 2 {
		n := len(e.clips)
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: have %d", ErrNotEnoughClips, n)
	}
	clips := make([]*Clip, len(e.clips))
	for i, c := range e.clips {
		clips[i] = c.clone()
	}
	version := e.version
	e.mu.Unlock()

	if e.replay == nil {
		return nil, fmt.Errorf("%w: no replayer", ErrExportAborted)
	}
	blob, err := e.replay.Render(ctx, clips, false)
	e.replay.report(err)
	if err != nil {
		e.log.Warn("merge failed", "clips", len(clips), "error", err)
		return nil, err
	}

	merged := &Clip{ID: uuid.NewString(), Name: "Merged Video", Source: blob}
	// offsets follow the frames Render actually laid down
	fps := e.replay.fps()
	var offset float64
	for _, c := range clips {
		merged.Overlays = append(merged.Overlays, shiftOverlays(c.Overlays, offset)...)
		offset += laidOut(c.Duration(), fps)
	}
	merged.OriginalDuration = offset
	merged.End = offset

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.version != version {
		return nil, ErrSequenceChanged
	}
	e.clips = []*Clip{merged}
	e.selected = merged.ID
	e.version++
	e.log.Info("clips merged", "clips", len(clips), "seconds", offset, "bytes", blob.Size())
	return merged.clone(), nil
}
