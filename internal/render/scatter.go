// Package render rasterizes plot points to PNG using fogleman/gg.
package render

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/clf21/countlens/internal/plot"
)

// Config contains renderer configuration.
type Config struct {
	Width       int
	Height      int
	PointRadius float64
	Margin      float64
}

const (
	defaultWidth       = 800
	defaultHeight      = 600
	defaultPointRadius = 3.0
	defaultMargin      = 40.0
)

// ScatterRenderer rasterizes point sets into PNG images. Drawing
// contexts and encode buffers are pooled across renders.
type ScatterRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewScatterRenderer creates a renderer for the configured canvas size.
func NewScatterRenderer(cfg Config) *ScatterRenderer {
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}
	if cfg.PointRadius <= 0 {
		cfg.PointRadius = defaultPointRadius
	}
	if cfg.Margin <= 0 {
		cfg.Margin = defaultMargin
	}

	return &ScatterRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Size returns the canvas dimensions in pixels.
func (r *ScatterRenderer) Size() (int, int) {
	return r.config.Width, r.config.Height
}

// RenderScatter rasterizes the points onto a white canvas with plain
// axis lines. Data coordinates are scaled to fill the plot area inside
// the margin; the vertical axis is flipped so larger values draw higher.
func (r *ScatterRenderer) RenderScatter(points []plot.Point) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	width := float64(r.config.Width)
	height := float64(r.config.Height)
	margin := r.config.Margin
	plotW := width - 2*margin
	plotH := height - 2*margin

	// Axis lines along the left and bottom edges of the plot area.
	dc.SetRGB(0.2, 0.2, 0.2)
	dc.SetLineWidth(1.5)
	dc.DrawLine(margin, margin, margin, height-margin)
	dc.DrawLine(margin, height-margin, width-margin, height-margin)
	dc.Stroke()

	if len(points) == 0 {
		return r.encodeContext(dc)
	}

	minX, maxX, minY, maxY := bounds(points)
	rangeX := maxX - minX
	if rangeX == 0 {
		rangeX = 1
	}
	rangeY := maxY - minY
	if rangeY == 0 {
		rangeY = 1
	}

	for _, p := range points {
		if !finite(p.X) || !finite(p.Y) {
			continue
		}
		px := margin + (p.X-minX)/rangeX*plotW
		py := margin + (1-(p.Y-minY)/rangeY)*plotH

		radius := r.config.PointRadius
		if p.Size > 0 {
			radius = p.Size
		}

		dc.SetHexColor(p.Color)
		dc.DrawCircle(px, py, radius)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

func bounds(points []plot.Point) (minX, maxX, minY, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		if !finite(p.X) || !finite(p.Y) {
			continue
		}
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	if math.IsInf(minX, 1) {
		minX, maxX, minY, maxY = 0, 0, 0, 0
	}
	return minX, maxX, minY, maxY
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (r *ScatterRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy out before the buffer goes back to the pool.
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
