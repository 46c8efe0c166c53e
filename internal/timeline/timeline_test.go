package timeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivlev/reelforge/internal/clock/clocktest"
	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/encoder/encodertest"
	"github.com/ivlev/reelforge/internal/layer"
	"github.com/ivlev/reelforge/internal/media"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func blob(name string) *encoder.Blob { return encoder.NewBlob(encoder.DefaultMime, []byte(name)) }

func clip(name string, d float64) *Clip { return NewClip(name, blob(name), d) }

func editor(t *testing.T, r *Replayer, clips ...*Clip) *Editor {
	t.Helper()
	e := NewEditor(r, quiet)
	for _, c := range clips {
		require.NoError(t, e.Add(c))
	}
	return e
}

func ids(cs []*Clip) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

func TestAddSelectsFirst(t *testing.T) {
	e := editor(t, nil, clip("a", 5), clip("b", 3))
	cs := e.Clips()
	require.Len(t, cs, 2)
	assert.Equal(t, cs[0].ID, e.Selected())
	assert.Equal(t, 5.0, cs[0].End)
	assert.ErrorIs(t, e.Add(clip("zero", 0)), ErrInvalidDuration)
}

func TestTrimRoundTripAndClamp(t *testing.T) {
	e := editor(t, nil, clip("a", 10))
	id := e.Clips()[0].ID

	c, err := e.Trim(id, 2, 7.5)
	require.NoError(t, err)
	assert.Equal(t, 2.0, c.Start)
	assert.Equal(t, 7.5, c.End)

	c, err = e.Trim(id, -3, 42)
	require.NoError(t, err)
	assert.Equal(t, 0.0, c.Start)
	assert.Equal(t, 10.0, c.End)

	c, err = e.Trim(id, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, c.Start, "start never passes end")
	assert.Equal(t, 4.0, c.End)

	_, err = e.Trim("missing", 0, 1)
	assert.ErrorIs(t, err, ErrClipNotFound)
}

func TestSplitKeepsDurationAndOrder(t *testing.T) {
	a := clip("a", 10)
	a.Overlays = []*layer.Text{
		layer.NewText(layer.Text{Text: "early", Window: layer.Window{Start: 0, Duration: 1}}),
		layer.NewText(layer.Text{Text: "late", Window: layer.Window{Start: 5, Duration: 2}}),
	}
	e := editor(t, nil, clip("first", 2), a, clip("last", 2))
	orig := e.Clips()[1]
	_, err := e.Trim(orig.ID, 1, 9)
	require.NoError(t, err)

	p1, p2, err := e.Split(orig.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p1.Start)
	assert.Equal(t, 4.0, p1.End)
	assert.Equal(t, 4.0, p2.Start)
	assert.Equal(t, 9.0, p2.End)
	assert.InDelta(t, 8.0, p1.Duration()+p2.Duration(), 1e-9)
	assert.Same(t, p1.Source, p2.Source)

	assert.Equal(t, []string{"first", "a (Part 1)", "a (Part 2)", "last"}, ids(e.Clips()))

	require.Len(t, p1.Overlays, 1)
	assert.Equal(t, "early", p1.Overlays[0].Text)
	require.Len(t, p2.Overlays, 1)
	assert.Equal(t, 2.0, p2.Overlays[0].Window.Start, "second half overlays are rebased")

	_, _, err = e.Split(p1.ID, 0)
	assert.ErrorIs(t, err, ErrSplitOutOfRange)
	_, _, err = e.Split(p1.ID, 3)
	assert.ErrorIs(t, err, ErrSplitOutOfRange)
	assert.Len(t, e.Clips(), 4, "failed split leaves the sequence alone")
}

func TestDuplicateIsDeep(t *testing.T) {
	a := clip("a", 4)
	a.Overlays = []*layer.Text{layer.NewText(layer.Text{Text: "hi"})}
	e := editor(t, nil, a, clip("b", 1))
	src := e.Clips()[0]

	cp, err := e.Duplicate(src.ID)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, cp.ID)
	assert.Equal(t, []string{"a", "a (Copy)", "b"}, ids(e.Clips()))

	cp.Overlays[0].Text = "changed"
	assert.Equal(t, "hi", e.Clips()[1].Overlays[0].Text)
	assert.NotEqual(t, src.Overlays[0].ID(), e.Clips()[1].Overlays[0].ID())
}

func TestDeleteMovesSelection(t *testing.T) {
	e := editor(t, nil, clip("a", 1), clip("b", 1), clip("c", 1))
	cs := e.Clips()
	require.NoError(t, e.Select(cs[1].ID))

	require.NoError(t, e.Delete(cs[2].ID))
	assert.Equal(t, cs[1].ID, e.Selected())

	require.NoError(t, e.Delete(cs[1].ID))
	assert.Equal(t, cs[0].ID, e.Selected())

	require.NoError(t, e.Delete(cs[0].ID))
	assert.Empty(t, e.Selected())
	assert.ErrorIs(t, e.Delete(cs[0].ID), ErrClipNotFound)
}

func TestReorderAndMove(t *testing.T) {
	e := editor(t, nil, clip("a", 1), clip("b", 2), clip("c", 3))
	_, err := e.Trim(e.Clips()[0].ID, 0.5, 1)
	require.NoError(t, err)

	require.NoError(t, e.Reorder(0, 2))
	assert.Equal(t, []string{"b", "c", "a"}, ids(e.Clips()))
	assert.Equal(t, 0.5, e.Clips()[2].Start, "reorder keeps clip state")

	require.NoError(t, e.Reorder(2, 0))
	assert.Equal(t, []string{"a", "b", "c"}, ids(e.Clips()))
	assert.ErrorIs(t, e.Reorder(0, 3), ErrIndexOutOfRange)

	first := e.Clips()[0].ID
	require.NoError(t, e.Move(first, Left))
	assert.Equal(t, []string{"a", "b", "c"}, ids(e.Clips()))
	require.NoError(t, e.Move(first, Right))
	assert.Equal(t, []string{"b", "a", "c"}, ids(e.Clips()))
}

func TestLocate(t *testing.T) {
	e := editor(t, nil, clip("a", 5), clip("b", 3))
	_, err := e.Trim(e.Clips()[1].ID, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 7.0, e.TotalDuration())

	c, at, err := e.Locate(6)
	require.NoError(t, err)
	assert.Equal(t, "b", c.Name)
	assert.Equal(t, 2.0, at)

	c, at, err = e.Locate(7)
	require.NoError(t, err)
	assert.Equal(t, "b", c.Name)
	assert.Equal(t, 3.0, at)

	_, _, err = e.Locate(7.5)
	assert.ErrorIs(t, err, ErrClipNotFound)
}

// fakePlayer answers seeks with a solid frame. stallAt makes the seek at
// that time block until the context expires.
type fakePlayer struct {
	col     color.RGBA
	audio   bool
	stallAt float64
	failAt  float64

	mu     sync.Mutex
	seeks  []float64
	closed bool
}

func (p *fakePlayer) Size() (int, int) { return 8, 8 }
func (p *fakePlayer) HasAudio() bool   { return p.audio }

func (p *fakePlayer) Seek(ctx context.Context, t float64) (image.Image, error) {
	p.mu.Lock()
	p.seeks = append(p.seeks, t)
	p.mu.Unlock()
	if p.stallAt > 0 && t >= p.stallAt {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.failAt > 0 && t >= p.failAt {
		return nil, errors.New("decode error")
	}
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	draw.Draw(img, img.Rect, image.NewUniform(p.col), image.Point{}, draw.Src)
	return img, nil
}

func (p *fakePlayer) Audio(_ context.Context, _, _ float64) (media.AudioTrack, error) {
	return &byteTrack{r: strings.NewReader(strings.Repeat("\x7f", 4096))}, nil
}

// byteTrack is a short PCM track that ends long before its clip does.
type byteTrack struct {
	r       io.Reader
	stopped bool
}

func (b *byteTrack) ID() string                 { return "bytes" }
func (b *byteTrack) Kind() media.Kind           { return media.KindAudio }
func (b *byteTrack) Stop()                      { b.stopped = true }
func (b *byteTrack) Ended() bool                { return b.stopped }
func (b *byteTrack) Format() media.AudioFormat  { return media.DefaultAudioFormat }
func (b *byteTrack) Read(p []byte) (int, error) { return b.r.Read(p) }

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeOpener map[string]*fakePlayer

func (o fakeOpener) Open(_ context.Context, b *encoder.Blob) (Player, error) {
	p, ok := o[string(b.Bytes())]
	if !ok {
		return nil, errors.New("unknown blob")
	}
	return p, nil
}

var (
	red  = color.RGBA{0xff, 0, 0, 0xff}
	blue = color.RGBA{0, 0, 0xff, 0xff}
)

func replayer(enc *encodertest.Encoder, op fakeOpener, dl Downloader) (*Replayer, *[]string) {
	var results []string
	return &Replayer{
		Opener:      op,
		Encoder:     enc,
		Downloader:  dl,
		FPS:         10,
		SeekTimeout: 50 * time.Millisecond,
		Clock:       clocktest.New(time.UnixMilli(1_700_000_000_123)),
		Log:         quiet,
		OnExport:    func(r string) { results = append(results, r) },
	}, &results
}

func TestExportReplaysTrimmedWindow(t *testing.T) {
	enc := &encodertest.Encoder{}
	p := &fakePlayer{col: red}
	dir := t.TempDir()
	r, results := replayer(enc, fakeOpener{"a": p}, DirDownloader{Dir: dir})

	a := clip("a", 4)
	a.Overlays = []*layer.Text{layer.NewText(layer.Text{Text: "T", X: 50, Y: 50, Window: layer.Window{Start: 0.5, Duration: 0.1}})}
	e := editor(t, r, a)
	id := e.Clips()[0].ID
	_, err := e.Trim(id, 1, 2)
	require.NoError(t, err)

	out, err := e.Export(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Blob.Frames)
	assert.Equal(t, []string{"ok"}, *results)

	p.mu.Lock()
	require.Len(t, p.seeks, 10)
	assert.InDelta(t, 1.0, p.seeks[0], 1e-9)
	assert.InDelta(t, 1.9, p.seeks[9], 1e-9)
	assert.True(t, p.closed)
	p.mu.Unlock()

	frames := enc.Last().Frames()
	require.Len(t, frames, 10)
	assert.Equal(t, red, frames[0].RGBAAt(0, 0))

	assert.Equal(t, filepath.Join(dir, "edited-video-1700000000123.webm"), out.Download)
	_, err = os.Stat(out.Download)
	assert.NoError(t, err)
}

func TestExportAbortsOnStalledSeek(t *testing.T) {
	enc := &encodertest.Encoder{}
	p := &fakePlayer{col: red, stallAt: 0.5}
	r, results := replayer(enc, fakeOpener{"a": p}, nil)
	e := editor(t, r, clip("a", 1))

	_, err := e.Export(context.Background(), e.Clips()[0].ID)
	require.ErrorIs(t, err, ErrExportAborted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, enc.Last().Aborted(), "no truncated result")
	assert.Equal(t, []string{"aborted"}, *results)
}

func TestExportAbortsOnSeekError(t *testing.T) {
	enc := &encodertest.Encoder{}
	p := &fakePlayer{col: red, failAt: 0.3}
	r, _ := replayer(enc, fakeOpener{"a": p}, nil)
	e := editor(t, r, clip("a", 1))

	_, err := e.Export(context.Background(), e.Clips()[0].ID)
	assert.ErrorIs(t, err, ErrExportAborted)
	assert.Len(t, enc.Last().Frames(), 3)
}

func TestMergeNeedsTwoClips(t *testing.T) {
	e := editor(t, nil, clip("a", 5))
	_, err := e.Merge(context.Background())
	assert.ErrorIs(t, err, ErrNotEnoughClips)
	assert.Len(t, e.Clips(), 1)
}

func TestMergeConcatenatesSources(t *testing.T) {
	enc := &encodertest.Encoder{}
	pa := &fakePlayer{col: red, audio: true}
	pb := &fakePlayer{col: blue}
	r, _ := replayer(enc, fakeOpener{"a": pa, "b": pb}, nil)

	a := clip("a", 6)
	a.Overlays = []*layer.Text{layer.NewText(layer.Text{Text: "A", Window: layer.Window{Start: 1, Duration: 1}})}
	b := clip("b", 3)
	b.Overlays = []*layer.Text{layer.NewText(layer.Text{Text: "B", Window: layer.Window{Start: 0.5, Duration: 1}})}
	e := editor(t, r, a, b)
	_, err := e.Trim(e.Clips()[0].ID, 0, 5)
	require.NoError(t, err)

	merged, err := e.Merge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8.0, merged.Duration())
	assert.Equal(t, 8.0, merged.OriginalDuration)
	require.Len(t, merged.Overlays, 2)
	assert.Equal(t, 1.0, merged.Overlays[0].Window.Start)
	assert.Equal(t, 5.5, merged.Overlays[1].Window.Start)

	cs := e.Clips()
	require.Len(t, cs, 1)
	assert.Equal(t, merged.ID, e.Selected())

	frames := enc.Last().Frames()
	require.Len(t, frames, 80)
	assert.Equal(t, red, frames[49].RGBAAt(4, 4))
	assert.Equal(t, blue, frames[50].RGBAAt(4, 4))
	require.Len(t, enc.Last().Spec.Audio, 1, "clip audio is joined into one track")
}

func TestMergeOffsetsFollowRenderedFrames(t *testing.T) {
	enc := &encodertest.Encoder{}
	r, _ := replayer(enc, fakeOpener{"a": {col: red}, "b": {col: blue}}, nil)

	b := clip("b", 2)
	b.Overlays = []*layer.Text{layer.NewText(layer.Text{Text: "B", Window: layer.Window{Start: 0.5, Duration: 1}})}
	e := editor(t, r, clip("a", 2), b)
	_, err := e.Trim(e.Clips()[0].ID, 0, 1.01)
	require.NoError(t, err)

	merged, err := e.Merge(context.Background())
	require.NoError(t, err)
	frames := enc.Last().Frames()
	require.Len(t, frames, 31, "1.01s rounds up to 11 frames at 10fps")
	assert.Equal(t, blue, frames[11].RGBAAt(4, 4))

	require.Len(t, merged.Overlays, 1)
	assert.InDelta(t, 1.6, merged.Overlays[0].Window.Start, 1e-9, "second clip starts at frame 11")
	assert.InDelta(t, 3.1, merged.Duration(), 1e-9)
}

func TestMergeFailureLeavesSequence(t *testing.T) {
	enc := &encodertest.Encoder{}
	r, _ := replayer(enc, fakeOpener{"a": {col: red}}, nil)
	e := editor(t, r, clip("a", 1), clip("missing", 1))

	_, err := e.Merge(context.Background())
	assert.ErrorIs(t, err, ErrExportAborted)
	assert.Equal(t, []string{"a", "missing"}, ids(e.Clips()))
}

func TestSequenceAudioPadsSilentClips(t *testing.T) {
	players := []Player{&fakePlayer{}, &fakePlayer{audio: true}}
	clips := []*Clip{clip("silent", 0.5), clip("tone", 0.3)}
	s, err := replayAudio(context.Background(), players, clips, 10)
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Stop()

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	perSecond := 48000 * 4
	assert.Len(t, data, perSecond*8/10)
	assert.Equal(t, strings.Repeat("\x00", perSecond/2), string(data[:perSecond/2]))
	tone := data[perSecond/2:]
	assert.Equal(t, strings.Repeat("\x7f", 4096), string(tone[:4096]))
	assert.Equal(t, strings.Repeat("\x00", len(tone)-4096), string(tone[4096:]), "short audio is padded")
}
