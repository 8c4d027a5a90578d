package render

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clf21/countlens/internal/plot"
)

func decodePNG(t *testing.T, data []byte) color.RGBA {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	b := img.Bounds()
	require.Equal(t, 200, b.Dx())
	require.Equal(t, 100, b.Dy())
	return color.RGBAModel.Convert(img.At(2, 2)).(color.RGBA)
}

func TestRenderScatterProducesPNG(t *testing.T) {
	r := NewScatterRenderer(Config{Width: 200, Height: 100, PointRadius: 4, Margin: 20})

	data, err := r.RenderScatter([]plot.Point{
		{X: 0, Y: 0, Color: "#d62728"},
		{X: 1, Y: 1, Color: "#1f77b4"},
	})
	require.NoError(t, err)

	corner := decodePNG(t, data)
	// The corner outside the plot area stays background white.
	assert.Equal(t, uint8(255), corner.R)
	assert.Equal(t, uint8(255), corner.G)
	assert.Equal(t, uint8(255), corner.B)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	// The first point maps to the bottom-left of the plot area.
	c := color.RGBAModel.Convert(img.At(20, 80)).(color.RGBA)
	assert.Greater(t, c.R, uint8(180))
	assert.Less(t, c.G, uint8(120))
}

func TestRenderScatterEmpty(t *testing.T) {
	r := NewScatterRenderer(Config{Width: 200, Height: 100})

	data, err := r.RenderScatter(nil)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decodePNG(t, data)
}

func TestRenderScatterDefaults(t *testing.T) {
	r := NewScatterRenderer(Config{})
	assert.Equal(t, defaultWidth, r.config.Width)
	assert.Equal(t, defaultHeight, r.config.Height)
	assert.Equal(t, defaultPointRadius, r.config.PointRadius)
	assert.Equal(t, defaultMargin, r.config.Margin)
}
