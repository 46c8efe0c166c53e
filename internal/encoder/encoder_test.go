package encoder

import (
	"image"
	"image/color"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivlev/reelforge/internal/clock/clocktest"
	"github.com/ivlev/reelforge/internal/media"
)

func TestLookupAndNegotiate(t *testing.T) {
	f, ok := Lookup("video/webm; codecs=vp9")
	require.True(t, ok)
	assert.Equal(t, "libvpx-vp9", f.VideoCodec)

	_, ok = Lookup("video/x-matroska")
	assert.False(t, ok)

	f, err := Negotiate("video/ogg", "video/webm;codecs=vp8,opus")
	require.NoError(t, err)
	assert.Equal(t, "video/webm;codecs=vp8,opus", f.Mime)

	f, err = Negotiate()
	require.NoError(t, err)
	assert.Equal(t, DefaultMime, f.Mime)

	_, err = Negotiate("video/ogg")
	assert.ErrorIs(t, err, ErrUnsupportedMime)

	assert.Len(t, MimeTypes(), 4)
}

func TestSpecDefaults(t *testing.T) {
	s := Spec{Width: 405, Height: 720}.withDefaults()
	assert.Equal(t, 406, s.Width)
	assert.Equal(t, 720, s.Height)
	assert.Equal(t, DefaultFPS, s.FPS)
	assert.Equal(t, DefaultMime, s.MimeType)
	assert.Equal(t, time.Second, s.TimeSlice)
	assert.Equal(t, 2_500_000, s.VideoBitrate)
	assert.Equal(t, 128_000, s.AudioBitrate)
}

func joined(args []string) string { return strings.Join(args, " ") }

func TestBuildArgsVideoOnly(t *testing.T) {
	f, _ := Lookup(DefaultMime)
	args := joined(BuildArgs(Spec{Width: 720, Height: 1280}.withDefaults(), f, f.VideoCodec))
	assert.Contains(t, args, "-f rawvideo -pixel_format rgba -video_size 720x1280 -framerate 30 -i pipe:0")
	assert.Contains(t, args, "-map 0:v")
	assert.Contains(t, args, "-c:v libvpx-vp9 -pix_fmt yuv420p -b:v 2500k")
	assert.True(t, strings.HasSuffix(args, "-f webm pipe:1"))
	assert.NotContains(t, args, "-c:a")
}

func TestBuildArgsAudioAndMusic(t *testing.T) {
	clk := clocktest.New(time.Now())
	mic := media.NewTone(440, clk)
	defer mic.Stop()
	f, _ := Lookup(DefaultMime)

	one := joined(BuildArgs(Spec{Width: 2, Height: 2, Audio: []media.AudioTrack{mic}}.withDefaults(), f, f.VideoCodec))
	assert.Contains(t, one, "-f s16le -ar 48000 -ac 2 -i pipe:3")
	assert.Contains(t, one, "-map 1:a -c:a libopus -b:a 128k")
	assert.NotContains(t, one, "-shortest")

	mixed := joined(BuildArgs(Spec{Width: 2, Height: 2, Audio: []media.AudioTrack{mic}, Music: "bg.mp3", MusicVolume: 0.3}.withDefaults(), f, f.VideoCodec))
	assert.Contains(t, mixed, "-stream_loop -1 -i bg.mp3")
	assert.Contains(t, mixed, "[2:a]volume=0.300[bg_a];[1:a][bg_a]amix=inputs=2:duration=first")
	assert.Contains(t, mixed, "-map [aout]")
	assert.Contains(t, mixed, "-shortest")

	musicOnly := joined(BuildArgs(Spec{Width: 2, Height: 2, Music: "bg.mp3"}.withDefaults(), f, f.VideoCodec))
	assert.Contains(t, musicOnly, "[1:a]volume=0.500[bg_a];[bg_a]amix=inputs=1:duration=longest")
	assert.Contains(t, musicOnly, "-shortest")
}

func TestBuildArgsMP4(t *testing.T) {
	f, ok := Lookup("video/mp4")
	require.True(t, ok)
	args := joined(BuildArgs(Spec{Width: 2, Height: 2}.withDefaults(), f, "libx264"))
	assert.Contains(t, args, "-preset veryfast")
	assert.Contains(t, args, "-movflags frag_keyframe+empty_moov")
	assert.True(t, strings.HasSuffix(args, "-f mp4 pipe:1"))
}

func TestChunkerSlicesByTime(t *testing.T) {
	clk := clocktest.New(time.Unix(0, 0))
	var sizes []int
	c := newChunker(clk, time.Second, func(n int) { sizes = append(sizes, n) })

	c.Write([]byte("ab"))
	c.Write([]byte("c"))
	clk.Fire(time.Second) // no ticker registered, only advances time
	c.Write([]byte("d"))
	c.Cut()
	c.Cut()

	require.Len(t, c.Chunks(), 1)
	assert.Equal(t, "abcd", string(c.Chunks()[0]))

	clk.Fire(time.Second)
	c.Write([]byte("e"))
	c.Cut()
	assert.Equal(t, []int{4, 1}, sizes)
	assert.Len(t, c.Chunks(), 2, "empty cuts are dropped")
}

func TestBlob(t *testing.T) {
	b := &Blob{MimeType: "video/mp4", Chunks: [][]byte{[]byte("foo"), []byte("bar")}, FPS: 30, Frames: 45}
	assert.Equal(t, 6, b.Size())
	assert.Equal(t, "foobar", string(b.Bytes()))
	data, err := io.ReadAll(b.Reader())
	require.NoError(t, err)
	assert.Equal(t, "foobar", string(data))
	assert.Equal(t, "mp4", b.Ext())
	assert.InDelta(t, 1.5, b.Duration(), 1e-9)

	dir := t.TempDir()
	p, err := b.Materialize(dir)
	require.NoError(t, err)
	again, err := b.Materialize(dir)
	require.NoError(t, err)
	assert.Equal(t, p, again)
	onDisk, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "foobar", string(onDisk))

	loaded, err := OpenBlob(p, "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, p, loaded.Path())
	assert.Equal(t, 6, loaded.Size())

	var nilBlob *Blob
	assert.True(t, nilBlob.Empty())
	assert.True(t, NewBlob(DefaultMime, nil).Empty())
}

type nopCloser struct{ strings.Builder }

func (n *nopCloser) Close() error { return nil }

func TestWriteRawRGBAPadsForeignFrames(t *testing.T) {
	out := &nopCloser{}
	s := &ffmpegSession{spec: Spec{Width: 2, Height: 2}, stdin: out}

	src := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	require.NoError(t, s.writeRawRGBA(src))

	raw := out.String()
	require.Len(t, raw, 16)
	assert.Equal(t, "\xff\x00\x00\xff", raw[:4])
	assert.Equal(t, strings.Repeat("\x00", 12), raw[4:])
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("def"))
	assert.Equal(t, "cdef", tb.String())
}

// stuckPipe blocks every Write until gate closes, like a full ffmpeg stdin.
type stuckPipe struct {
	entered chan struct{}
	gate    chan struct{}
}

func (p *stuckPipe) Write(b []byte) (int, error) {
	close(p.entered)
	<-p.gate
	return len(b), nil
}

func (p *stuckPipe) Close() error { return nil }

func TestCloseInputsWaitsForInflightWrite(t *testing.T) {
	pipe := &stuckPipe{entered: make(chan struct{}), gate: make(chan struct{})}
	s := &ffmpegSession{spec: Spec{Width: 2, Height: 2}, stdin: pipe}

	wrote := make(chan error, 1)
	go func() { wrote <- s.WriteFrame(image.NewNRGBA(image.Rect(0, 0, 1, 1))) }()
	<-pipe.entered

	closed := make(chan struct{})
	go func() {
		s.closeInputs()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("scratch frame released while a write was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(pipe.gate)
	require.NoError(t, <-wrote)
	<-closed
	assert.Nil(t, s.scratch)
	assert.ErrorIs(t, s.WriteFrame(image.NewNRGBA(image.Rect(0, 0, 1, 1))), ErrSessionClosed)
}
