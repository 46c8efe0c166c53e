package media

import (
	"encoding/binary"
	"image"
	"image/color"
	"image/draw"
	"io"
	"math"
	"time"

	"github.com/ivlev/reelforge/internal/clock"
)

var barColors = []color.RGBA{
	{0xc0, 0xc0, 0xc0, 0xff},
	{0xc0, 0xc0, 0x00, 0xff},
	{0x00, 0xc0, 0xc0, 0xff},
	{0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff},
	{0xc0, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xc0, 0xff},
}

// TestPattern is a synthetic camera: SMPTE-style bars with a white block that
// sweeps across once per second.
type TestPattern struct {
	base
	w, h  int
	clk   clock.Clock
	start time.Time
	bars  *image.RGBA
}

func NewTestPattern(width, height int, clk clock.Clock) *TestPattern {
	if clk == nil {
		clk = clock.Real()
	}
	p := &TestPattern{w: width, h: height, clk: clk, start: clk.Now()}
	p.init(KindVideo, nil)
	p.bars = image.NewRGBA(image.Rect(0, 0, width, height))
	bw := (width + len(barColors) - 1) / len(barColors)
	for i, c := range barColors {
		r := image.Rect(i*bw, 0, (i+1)*bw, height)
		draw.Draw(p.bars, r, image.NewUniform(c), image.Point{}, draw.Src)
	}
	return p
}

func (p *TestPattern) Size() (int, int) { return p.w, p.h }

// Frame returns a fresh frame; callers may keep it.
func (p *TestPattern) Frame() image.Image {
	if p.Ended() {
		return nil
	}
	img := image.NewRGBA(p.bars.Rect)
	copy(img.Pix, p.bars.Pix)

	el := p.clk.Now().Sub(p.start).Seconds()
	frac := el - math.Floor(el)
	side := p.h / 8
	if side < 2 {
		side = 2
	}
	x := int(frac * float64(p.w-side))
	y := (p.h - side) / 2
	draw.Draw(img, image.Rect(x, y, x+side, y+side), image.White, image.Point{}, draw.Src)
	return img
}

// Tone is a sine-wave audio track paced to the clock so it never runs ahead of
// real time.
type Tone struct {
	base
	freq   float64
	format AudioFormat
	clk    clock.Clock
	start  time.Time
	sent   int64
}

func NewTone(freq float64, clk clock.Clock) *Tone {
	if clk == nil {
		clk = clock.Real()
	}
	t := &Tone{freq: freq, format: DefaultAudioFormat, clk: clk, start: clk.Now()}
	t.init(KindAudio, nil)
	return t
}

func (t *Tone) Format() AudioFormat { return t.format }

func (t *Tone) Read(p []byte) (int, error) {
	frameBytes := 2 * t.format.Channels
	if len(p) < frameBytes {
		return 0, io.ErrShortBuffer
	}
	for {
		if t.Ended() {
			return 0, io.EOF
		}
		due := int64(t.clk.Now().Sub(t.start).Seconds() * float64(t.format.SampleRate))
		avail := due - t.sent
		if room := int64(len(p) / frameBytes); avail > room {
			avail = room
		}
		if avail > 0 {
			n := 0
			for i := int64(0); i < avail; i++ {
				s := math.Sin(2 * math.Pi * t.freq * float64(t.sent+i) / float64(t.format.SampleRate))
				v := uint16(int16(s * 0.2 * math.MaxInt16))
				for ch := 0; ch < t.format.Channels; ch++ {
					binary.LittleEndian.PutUint16(p[n:], v)
					n += 2
				}
			}
			t.sent += avail
			return n, nil
		}
		select {
		case <-t.done:
		case <-time.After(10 * time.Millisecond):
		}
	}
}
