package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivlev/reelforge/internal/clock/clocktest"
	"github.com/ivlev/reelforge/internal/compositor"
	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/encoder/encodertest"
	"github.com/ivlev/reelforge/internal/filter"
	"github.com/ivlev/reelforge/internal/layer"
	"github.com/ivlev/reelforge/internal/media"
)

const frameTick = time.Second / 30

type harness struct {
	clk   *clocktest.Clock
	enc   *encodertest.Encoder
	rec   *Recorder
	video *media.TestPattern

	mu    sync.Mutex
	stats []compositor.FrameStats
	stops []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clk: clocktest.New(time.Unix(1_700_000_000, 0)), enc: &encodertest.Encoder{}}
	h.video = media.NewTestPattern(64, 36, h.clk)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.rec = New(h.enc, h.clk, log, Hooks{
		OnFrame: func(st compositor.FrameStats) {
			h.mu.Lock()
			h.stats = append(h.stats, st)
			h.mu.Unlock()
		},
		OnStop: func(_ *encoder.Blob, err error) {
			h.mu.Lock()
			h.stops = append(h.stops, err)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) start(t *testing.T, opts Options) {
	t.Helper()
	require.NoError(t, h.rec.Start(context.Background(), media.NewStream(h.video), opts))
	require.True(t, h.clk.WaitTickers(2, time.Second), "loop did not start")
}

func (h *harness) frame(t *testing.T) {
	t.Helper()
	require.True(t, h.clk.Fire(frameTick), "frame tick not taken")
}

func (h *harness) second(t *testing.T) {
	t.Helper()
	require.True(t, h.clk.Fire(time.Second), "second tick not taken")
}

func (h *harness) texts() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.stats))
	for i, st := range h.stats {
		out[i] = st.Texts
	}
	return out
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	blob, err := h.rec.Stop(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, blob)
	assert.Equal(t, Idle, h.rec.State())
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start(t, Options{})
	require.NoError(t, h.rec.Start(context.Background(), media.NewStream(h.video), Options{Mirror: true}))
	assert.Len(t, h.enc.Sessions(), 1)
	assert.Equal(t, ModeDirect, h.rec.Mode(), "a second Start does not change the session")
	assert.True(t, h.rec.IsRecording())

	_, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
}

func TestStartWithoutStream(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.rec.Start(context.Background(), nil, Options{}), ErrNoStream)
	assert.Equal(t, Idle, h.rec.State())
}

func TestStopBeforeAnyData(t *testing.T) {
	h := newHarness(t)
	h.start(t, Options{})
	blob, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.True(t, blob.Empty())
	assert.Equal(t, Idle, h.rec.State())
	assert.Nil(t, h.rec.LastFrame())
	assert.True(t, h.enc.Last().Finished())
}

func TestTextWindowAcrossSeconds(t *testing.T) {
	h := newHarness(t)
	set := layer.NewSet(layer.NewText(layer.Text{Text: "Hello", X: 50, Y: 50, Window: layer.Window{Start: 1, Duration: 1}}))
	h.start(t, Options{Layers: set})
	assert.Equal(t, ModeCanvas, h.rec.Mode())

	h.frame(t) // t=0
	h.second(t)
	h.frame(t) // t=1
	h.second(t)
	h.frame(t) // t=2
	h.second(t)
	h.frame(t) // t=3

	blob, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 1, 0}, h.texts())
	assert.Equal(t, 4, blob.Frames)
	assert.Equal(t, 3, h.rec.ElapsedSeconds(), "elapsed survives Stop")
	assert.Same(t, blob, h.rec.Blob())
	require.NotNil(t, h.rec.LastFrame())

	w, hh := compositor.Dimensions(64, 36, compositor.DefaultAspect)
	assert.Equal(t, w, h.rec.LastFrame().Rect.Dx())
	assert.Equal(t, hh, h.rec.LastFrame().Rect.Dy())
	assert.Len(t, h.enc.Last().Frames(), 4)
}

func TestModeSelection(t *testing.T) {
	chain, err := filter.Parse("sepia(1)")
	require.NoError(t, err)

	assert.Equal(t, ModeDirect, ChooseMode(Options{}))
	assert.Equal(t, ModeDirect, ChooseMode(Options{Layers: layer.NewSet()}))
	assert.Equal(t, ModeCanvas, ChooseMode(Options{Mirror: true}))
	assert.Equal(t, ModeCanvas, ChooseMode(Options{Filter: chain}))
	assert.Equal(t, ModeCanvas, ChooseMode(Options{Layers: layer.NewSet(layer.NewSticker(layer.Sticker{Glyph: "*"}))}))
	assert.Equal(t, ModeCanvas, ChooseMode(Options{ForceCanvas: true}))
}

func TestDirectModeWritesSourceFrames(t *testing.T) {
	h := newHarness(t)
	h.start(t, Options{})
	h.frame(t)
	h.frame(t)
	_, err := h.rec.Stop(context.Background())
	require.NoError(t, err)

	sess := h.enc.Last()
	assert.Equal(t, 64, sess.Spec.Width)
	assert.Equal(t, 36, sess.Spec.Height)
	frames := sess.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, 64, frames[0].Rect.Dx())
}

func TestPauseFreezesTimerAndCapture(t *testing.T) {
	h := newHarness(t)
	h.start(t, Options{})
	h.second(t)
	h.frame(t)
	require.True(t, h.rec.Pause())
	assert.False(t, h.rec.Pause())
	assert.Equal(t, Paused, h.rec.State())
	assert.True(t, h.rec.IsRecording())

	h.second(t)
	h.frame(t)
	assert.Equal(t, 1, h.rec.ElapsedSeconds())

	require.True(t, h.rec.Resume())
	h.second(t)
	h.frame(t)

	blob, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.rec.ElapsedSeconds())
	assert.Equal(t, 2, blob.Frames)
	assert.Equal(t, []int{1}, h.enc.Last().PausedAt())
}

func TestStopFromPaused(t *testing.T) {
	h := newHarness(t)
	h.start(t, Options{})
	h.frame(t)
	require.True(t, h.rec.Pause())
	blob, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, blob.Frames)
	assert.Equal(t, Idle, h.rec.State())
}

func TestEncoderFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.enc.FailAfter = 1
	h.start(t, Options{ReleaseStream: true})
	h.frame(t)
	h.frame(t)

	require.Eventually(t, func() bool { return h.rec.State() == Idle }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.rec.Err(), encodertest.ErrInjected)
	assert.Nil(t, h.rec.Blob())
	assert.True(t, h.enc.Last().Aborted())
	assert.True(t, h.video.Ended(), "owned stream is released")

	blob, err := h.rec.Stop(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, blob)
}

func TestEncoderBeginFailure(t *testing.T) {
	h := newHarness(t)
	h.enc.BeginErr = errors.New("no codec")
	err := h.rec.Start(context.Background(), media.NewStream(h.video), Options{})
	require.Error(t, err)
	assert.Equal(t, Idle, h.rec.State())
	assert.ErrorIs(t, h.rec.Err(), h.enc.BeginErr)
	assert.Len(t, h.stops, 1)
}

func TestFinishFailureDropsBlob(t *testing.T) {
	h := newHarness(t)
	h.enc.FinishErr = errors.New("muxer failed")
	h.start(t, Options{})
	h.frame(t)
	blob, err := h.rec.Stop(context.Background())
	assert.ErrorIs(t, err, h.enc.FinishErr)
	assert.Nil(t, blob)
	assert.Nil(t, h.rec.Blob())
	assert.Equal(t, Idle, h.rec.State())
}

func TestCameraOwnedStreamSurvivesStop(t *testing.T) {
	h := newHarness(t)
	h.start(t, Options{})
	_, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, h.video.Ended())
}

func TestResetOnlyWhenIdle(t *testing.T) {
	h := newHarness(t)
	h.start(t, Options{})
	h.second(t)
	assert.False(t, h.rec.Reset())
	_, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.rec.ElapsedSeconds())

	assert.True(t, h.rec.Reset())
	assert.Equal(t, 0, h.rec.ElapsedSeconds())
	assert.Nil(t, h.rec.Blob())
}

func TestRestartResetsElapsed(t *testing.T) {
	h := newHarness(t)
	h.start(t, Options{})
	h.second(t)
	_, err := h.rec.Stop(context.Background())
	require.NoError(t, err)

	h.start(t, Options{})
	assert.Equal(t, 0, h.rec.ElapsedSeconds())
	assert.Nil(t, h.rec.Blob())
	_, err = h.rec.Stop(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.enc.Sessions(), 2)
}
