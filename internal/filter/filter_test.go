package filter

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	c, err := Parse("contrast(1.2) saturate(135%)  hue-rotate(0.5turn) opacity(2)")
	require.NoError(t, err)
	require.Len(t, c, 4)
	assert.Equal(t, Op{Func: Contrast, Amount: 1.2}, c[0])
	assert.InDelta(t, 1.35, c[1].Amount, 1e-9)
	assert.Equal(t, 180.0, c[2].Amount)
	assert.Equal(t, 1.0, c[3].Amount, "opacity is capped at 100%")

	for _, s := range []string{"", "none", "  NONE "} {
		c, err := Parse(s)
		require.NoError(t, err)
		assert.True(t, c.Identity())
	}
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{"blur(3px)", "contrast(", "contrast(abc)", "brightness(-1)", "(1)"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrSyntax, s)
	}
}

func TestChainString(t *testing.T) {
	c, err := Parse("sepia(0.5) hue-rotate(90deg)")
	require.NoError(t, err)
	assert.Equal(t, "sepia(0.5) hue-rotate(90deg)", c.String())
	assert.Equal(t, "none", Chain(nil).String())
}

func pixel(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.SetRGBA(0, 0, c)
	return img
}

func apply(t *testing.T, css string, in color.RGBA) color.RGBA {
	t.Helper()
	c, err := Parse(css)
	require.NoError(t, err)
	img := pixel(in)
	require.NoError(t, c.Apply(img))
	return img.RGBAAt(0, 0)
}

func near(t *testing.T, want, got color.RGBA) {
	t.Helper()
	assert.InDelta(t, want.R, got.R, 1, "R")
	assert.InDelta(t, want.G, got.G, 1, "G")
	assert.InDelta(t, want.B, got.B, 1, "B")
	assert.InDelta(t, want.A, got.A, 1, "A")
}

func TestApplyKnownValues(t *testing.T) {
	gray := color.RGBA{100, 100, 100, 255}
	near(t, color.RGBA{200, 200, 200, 255}, apply(t, "brightness(2)", gray))
	near(t, color.RGBA{0, 0, 0, 255}, apply(t, "contrast(0) brightness(0)", gray))
	near(t, color.RGBA{128, 128, 128, 255}, apply(t, "contrast(0)", gray))
	near(t, color.RGBA{155, 155, 155, 255}, apply(t, "invert(1)", gray))

	red := color.RGBA{255, 0, 0, 255}
	g := apply(t, "grayscale(1)", red)
	assert.Equal(t, g.R, g.G)
	assert.Equal(t, g.G, g.B)
	near(t, color.RGBA{54, 54, 54, 255}, g)

	// rotating red by 360 degrees is a no-op
	near(t, red, apply(t, "hue-rotate(360deg)", red))
	near(t, color.RGBA{128, 0, 0, 128}, apply(t, "opacity(0.5)", red))
}

func TestApplySkipsTransparent(t *testing.T) {
	near(t, color.RGBA{}, apply(t, "invert(1)", color.RGBA{}))
}

func TestApplyLargeFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 33, 17))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	c, err := Parse("brightness(0.5)")
	require.NoError(t, err)
	require.NoError(t, c.Apply(img))
	for y := 0; y < 17; y++ {
		for x := 0; x < 33; x++ {
			require.InDelta(t, 128, img.RGBAAt(x, y).R, 1)
		}
	}
}

func TestPresets(t *testing.T) {
	all := Presets()
	require.Len(t, all, 12)
	for _, p := range all {
		_, err := Resolve(p.ID)
		assert.NoError(t, err, p.ID)
	}

	c, err := Resolve("clarendon")
	require.NoError(t, err)
	assert.Equal(t, "contrast(1.2) saturate(1.35)", c.String())

	c, err = Resolve("brightness(1.1)")
	require.NoError(t, err)
	assert.Len(t, c, 1)

	assert.Equal(t, []string{"instagram", "modern", "vintage"}, Categories())
	_, ok := Lookup("nope")
	assert.False(t, ok)
}

func TestChainScale(t *testing.T) {
	c, err := Parse("sepia(0.8) contrast(1.2) hue-rotate(-10deg) brightness(0.5)")
	require.NoError(t, err)

	up := c.Scale(2)
	assert.Equal(t, 1.0, up[0].Amount, "sepia is capped at 1")
	assert.InDelta(t, 2.4, up[1].Amount, 1e-9)
	assert.Equal(t, -10.0, up[2].Amount, "hue rotation is not scaled")
	assert.InDelta(t, 1.0, up[3].Amount, 1e-9)

	down := c.Scale(0.05)
	assert.InDelta(t, 0.04, down[0].Amount, 1e-9)
	assert.Equal(t, 0.1, down[1].Amount, "contrast floor")
	assert.Equal(t, 0.1, down[3].Amount, "brightness floor")

	assert.Equal(t, 0.8, c[0].Amount, "receiver is untouched")
	assert.Equal(t, c, c.Scale(1))
	assert.True(t, Chain(nil).Scale(3).Identity())
}

func TestAdjustmentsChain(t *testing.T) {
	assert.True(t, Adjustments{}.Chain().Identity())

	c := Adjustments{Highlights: 20, Shadows: -10, Temperature: 15, Tint: 30, Vignette: 50}.Chain()
	assert.Equal(t, "brightness(1.2) contrast(0.9) hue-rotate(15deg) saturate(1.3) brightness(0.75)", c.String())

	c = Adjustments{Vignette: -5, Shadows: 40}.Chain()
	require.Len(t, c, 1, "negative vignette is ignored")
	assert.Equal(t, Contrast, c[0].Func)
}
