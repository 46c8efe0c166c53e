package media

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivlev/reelforge/internal/clock/clocktest"
)

func patternDevice(calls *[]Constraints, failFacing bool) Device {
	return DeviceFunc(func(ctx context.Context, c Constraints) (*Stream, error) {
		*calls = append(*calls, c)
		if failFacing && c.Facing != FacingAny {
			return nil, errors.New("overconstrained")
		}
		return NewStream(NewTestPattern(64, 36, nil)), nil
	})
}

func TestCameraFallsBackOnce(t *testing.T) {
	var calls []Constraints
	cam := NewCamera(patternDevice(&calls, true), Constraints{Audio: true}, nil)

	s, err := cam.Start(context.Background(), FacingUser)
	require.NoError(t, err)
	require.NotNil(t, s.Video)
	require.Len(t, calls, 2)
	assert.Equal(t, FacingUser, calls[0].Facing)
	assert.Equal(t, FacingAny, calls[1].Facing)
	assert.True(t, calls[1].Audio)
}

func TestCameraStartFailsAfterFallback(t *testing.T) {
	var n int
	dev := DeviceFunc(func(ctx context.Context, c Constraints) (*Stream, error) {
		n++
		return nil, errors.New("denied")
	})
	cam := NewCamera(dev, Constraints{}, nil)
	_, err := cam.Start(context.Background(), FacingEnvironment)
	assert.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Nil(t, cam.Stream())
}

func TestCameraSwitchStopsPrevious(t *testing.T) {
	var calls []Constraints
	cam := NewCamera(patternDevice(&calls, false), Constraints{}, nil)

	first, err := cam.Start(context.Background(), FacingUser)
	require.NoError(t, err)

	second, err := cam.Switch(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Video.Ended(), "old tracks are stopped before the new stream opens")
	assert.True(t, second.Live())
	assert.Equal(t, FacingEnvironment, cam.Facing())

	cam.Stop()
	assert.False(t, second.Live())
	assert.Nil(t, cam.Stream())
}

func TestTestPatternMovesWithClock(t *testing.T) {
	fc := clocktest.New(time.Unix(0, 0))
	p := NewTestPattern(80, 40, fc)
	w, h := p.Size()
	assert.Equal(t, 80, w)
	assert.Equal(t, 40, h)

	f0 := p.Frame().(*image.RGBA)
	// white block starts at the left edge
	assert.Equal(t, color.RGBA{0xff, 0xff, 0xff, 0xff}, f0.RGBAAt(1, 20))

	p.Stop()
	assert.Nil(t, p.Frame())
	assert.True(t, p.Ended())
}

func TestToneIsPacedByClock(t *testing.T) {
	fc := clocktest.New(time.Unix(0, 0))
	tone := NewTone(440, fc)
	buf := make([]byte, 1<<20)

	// nothing is due at t=0, so a stopped track drains to EOF
	tone.Stop()
	_, err := tone.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	tone = NewTone(440, fc)
	fc.Fire(100 * time.Millisecond)
	n, err := tone.Read(buf)
	require.NoError(t, err)
	// 0.1s of 48kHz stereo s16
	assert.Equal(t, 4800*4, n)
}

func writePNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestImageSequenceCycles(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "01.png"), color.RGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(dir, "02.png"), color.RGBA{B: 255, A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	fc := clocktest.New(time.Unix(0, 0))
	seq, err := NewImageSequence(dir, time.Second, fc)
	require.NoError(t, err)
	assert.Equal(t, 2, seq.Len())
	w, h := seq.Size()
	assert.Equal(t, [2]int{6, 4}, [2]int{w, h})

	r, _, _, _ := seq.Frame().At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	fc.Fire(time.Second)
	_, _, b, _ := seq.Frame().At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), b)

	fc.Fire(time.Second)
	r, _, _, _ = seq.Frame().At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r, "sequence loops")
}

func TestImageSequenceEmptyDir(t *testing.T) {
	_, err := NewImageSequence(t.TempDir(), 0, nil)
	assert.Error(t, err)
}

func TestStreamStopStopsAllTracks(t *testing.T) {
	v := NewTestPattern(4, 4, nil)
	a := NewTone(220, nil)
	s := NewStream(v, a)
	require.Len(t, s.Tracks(), 2)
	assert.True(t, s.Live())
	s.Stop()
	assert.True(t, v.Ended())
	assert.True(t, a.Ended())
	assert.False(t, s.Live())

	var nilStream *Stream
	assert.Empty(t, nilStream.Tracks())
	assert.False(t, nilStream.Live())
}
