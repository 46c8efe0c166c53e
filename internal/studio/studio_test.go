package studio

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivlev/reelforge/internal/clock/clocktest"
	"github.com/ivlev/reelforge/internal/compositor"
	"github.com/ivlev/reelforge/internal/encoder/encodertest"
	"github.com/ivlev/reelforge/internal/filter"
	"github.com/ivlev/reelforge/internal/layer"
	"github.com/ivlev/reelforge/internal/media"
	"github.com/ivlev/reelforge/internal/recorder"
	"github.com/ivlev/reelforge/internal/storage"
)

type fixture struct {
	clk    *clocktest.Clock
	enc    *encodertest.Encoder
	store  *storage.FileStore
	studio *Studio

	mu      sync.Mutex
	opened  []media.Constraints
	streams []*media.Stream
	stats   []compositor.FrameStats
}

func newFixture(t *testing.T, store bool) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{clk: clocktest.New(time.Unix(1_700_000_000, 0)), enc: &encodertest.Encoder{}}
	dev := media.DeviceFunc(func(_ context.Context, c media.Constraints) (*media.Stream, error) {
		st := media.NewStream(media.NewTestPattern(64, 36, f.clk))
		f.mu.Lock()
		f.opened = append(f.opened, c)
		f.streams = append(f.streams, st)
		f.mu.Unlock()
		return st, nil
	})
	cam := media.NewCamera(dev, media.Constraints{}, log)
	rec := recorder.New(f.enc, f.clk, log, recorder.Hooks{
		OnFrame: func(st compositor.FrameStats) {
			f.mu.Lock()
			f.stats = append(f.stats, st)
			f.mu.Unlock()
		},
	})
	var gw storage.Gateway
	if store {
		f.store = storage.NewFileStore(t.TempDir(), log)
		gw = f.store
	}
	f.studio = New(cam, rec, gw, nil, Config{Facing: media.FacingUser}, log)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.studio.Start(context.Background()))
	require.True(t, f.clk.WaitTickers(2, time.Second), "loop did not start")
}

func (f *fixture) frame(t *testing.T) {
	t.Helper()
	require.True(t, f.clk.Fire(time.Second/30))
}

func (f *fixture) second(t *testing.T) {
	t.Helper()
	require.True(t, f.clk.Fire(time.Second))
}

func (f *fixture) stickers() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, st := range f.stats {
		out = append(out, st.Stickers)
	}
	return out
}

func TestStartNeedsCamera(t *testing.T) {
	f := newFixture(t, true)
	assert.ErrorIs(t, f.studio.Start(context.Background()), ErrNoCamera)
}

func TestRecordAddLayerAndSave(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.studio.OpenCamera(context.Background())
	require.NoError(t, err)
	f.studio.AddLayer(layer.NewText(layer.Text{Text: "Hi", X: 50, Y: 20}))

	f.start(t)
	assert.Equal(t, recorder.ModeCanvas, f.studio.Recorder().Mode())
	f.frame(t)
	f.studio.AddLayer(layer.NewSticker(layer.Sticker{Glyph: "★", X: 50, Y: 50}))
	f.frame(t)
	f.second(t)

	_, err = f.studio.Save(context.Background(), "early", "")
	assert.ErrorIs(t, err, ErrNothingRecorded, "save waits for stop")

	blob, err := f.studio.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, blob.Frames)
	assert.Equal(t, []int{0, 1}, f.stickers())
	assert.True(t, f.studio.cam.Stream().Live(), "camera keeps its stream after stop")

	id, err := f.studio.Save(context.Background(), "Take one", "kitchen")
	require.NoError(t, err)

	e, stored, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Take one", e.Title)
	assert.Equal(t, "kitchen", e.Description)
	assert.Equal(t, 1, e.DurationSeconds)
	assert.Equal(t, "canvas", e.Metadata["mode"])
	assert.Equal(t, "9:16", e.Metadata["aspect"])
	assert.Equal(t, 1, e.Metadata["stickers"])
	assert.NotEmpty(t, f.store.ThumbnailPath(e))
	assert.Equal(t, blob.Size(), stored.Size())

	assert.Equal(t, 1, f.studio.Recorder().ElapsedSeconds(), "save does not reset the counter")
	assert.True(t, f.studio.Reset())
	assert.Equal(t, 0, f.studio.Recorder().ElapsedSeconds())
}

func TestShortTakeSavesOneSecond(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.studio.OpenCamera(context.Background())
	require.NoError(t, err)
	f.start(t)
	f.frame(t)
	_, err = f.studio.Stop(context.Background())
	require.NoError(t, err)

	id, err := f.studio.Save(context.Background(), "blink", "")
	require.NoError(t, err)
	e, _, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, e.DurationSeconds)
	assert.Equal(t, "direct", e.Metadata["mode"])
}

func TestAddLayerDuringDirectTake(t *testing.T) {
	f := newFixture(t, true)
	var buf bytes.Buffer
	f.studio.log = slog.New(slog.NewTextHandler(&buf, nil))
	_, err := f.studio.OpenCamera(context.Background())
	require.NoError(t, err)

	f.start(t)
	require.Equal(t, recorder.ModeDirect, f.studio.Recorder().Mode())
	assert.False(t, f.studio.AddLayer(layer.NewText(layer.Text{Text: "late"})), "direct takes have no compositor")
	assert.Contains(t, buf.String(), "next take")
	f.frame(t)
	_, err = f.studio.Stop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.studio.Layers().Len(), "the layer is kept for the next take")
	assert.Equal(t, recorder.ModeCanvas, recorder.ChooseMode(f.studio.Options()))
	assert.True(t, f.studio.AddLayer(layer.NewSticker(layer.Sticker{Glyph: "★"})), "idle adds always apply")
}

func TestSaveWithoutGateway(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.studio.Save(context.Background(), "x", "")
	assert.ErrorIs(t, err, ErrNoGateway)
}

func TestSwitchCamera(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.studio.OpenCamera(context.Background())
	require.NoError(t, err)

	f.start(t)
	_, err = f.studio.SwitchCamera(context.Background())
	assert.ErrorIs(t, err, ErrRecordingActive)
	assert.ErrorIs(t, f.studio.CloseCamera(), ErrRecordingActive)
	_, err = f.studio.OpenCamera(context.Background())
	assert.ErrorIs(t, err, ErrRecordingActive)
	_, err = f.studio.Stop(context.Background())
	require.NoError(t, err)

	f.studio.Zoom().Set(2)
	_, err = f.studio.SwitchCamera(context.Background())
	require.NoError(t, err)
	assert.Equal(t, media.FacingEnvironment, f.studio.cam.Facing())
	assert.Equal(t, 1.0, f.studio.Zoom().Scale(), "switching resets the zoom")

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.opened, 2)
	assert.Equal(t, media.FacingUser, f.opened[0].Facing)
	assert.Equal(t, media.FacingEnvironment, f.opened[1].Facing)
	assert.False(t, f.streams[0].Live(), "old stream is stopped")
}

func TestConfigureRejectedWhileRecording(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.studio.OpenCamera(context.Background())
	require.NoError(t, err)
	chain, err := filter.Parse("grayscale(1)")
	require.NoError(t, err)

	f.start(t)
	assert.ErrorIs(t, f.studio.SetFilter(chain), ErrRecordingActive)
	assert.ErrorIs(t, f.studio.SetMirror(true), ErrRecordingActive)
	_, err = f.studio.Stop(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.studio.SetFilter(chain))
	require.NoError(t, f.studio.SetMusic("bg.mp3", 0.3))
	o := f.studio.Options()
	assert.Equal(t, "grayscale(1)", o.Filter.String())
	assert.Equal(t, "bg.mp3", o.Music)
	assert.False(t, o.ReleaseStream)
}

func TestEditOpensSingleClip(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.studio.Edit()
	assert.ErrorIs(t, err, ErrNothingRecorded)

	_, err = f.studio.OpenCamera(context.Background())
	require.NoError(t, err)
	f.start(t)
	for range 3 {
		f.frame(t)
	}
	blob, err := f.studio.Stop(context.Background())
	require.NoError(t, err)

	ed, err := f.studio.Edit()
	require.NoError(t, err)
	clips := ed.Clips()
	require.Len(t, clips, 1)
	assert.Same(t, blob, clips[0].Source)
	assert.InDelta(t, 0.1, clips[0].Duration(), 1e-9)
	assert.Equal(t, clips[0].ID, ed.Selected())
}
