// Package render draws detections onto a transparent overlay the size of the
// source frame.
package render

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/Tutortoise/object-detection-service/models"
)

const (
	DefaultLineWidth = 2
	DefaultFontSize  = 20
	labelOffset      = 7
)

var (
	DefaultColor = color.RGBA{R: 255, A: 255}

	regular *truetype.Font
)

func init() {
	var err error
	regular, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Style controls how boxes and labels are drawn.
type Style struct {
	Color     color.Color
	LineWidth float64
	FontSize  float64
}

func DefaultStyle() Style {
	return Style{Color: DefaultColor, LineWidth: DefaultLineWidth, FontSize: DefaultFontSize}
}

// Canvas keeps the most recent overlay. Each Render replaces it entirely.
type Canvas struct {
	style Style

	mu         sync.RWMutex
	face       font.Face
	latest     *image.RGBA
	detections []models.Detection
	renders    uint64
}

func NewCanvas(style Style) *Canvas {
	if style.Color == nil {
		style.Color = DefaultColor
	}
	if style.LineWidth <= 0 {
		style.LineWidth = DefaultLineWidth
	}
	if style.FontSize <= 0 {
		style.FontSize = DefaultFontSize
	}
	return &Canvas{
		style: style,
		face:  truetype.NewFace(regular, &truetype.Options{Size: style.FontSize}),
	}
}

// Render clears the canvas to size and draws each detection as a stroked box
// with its label just above the top-left corner.
func (c *Canvas) Render(detections []models.Detection, size image.Point) error {
	if size.X <= 0 || size.Y <= 0 {
		return fmt.Errorf("%w: canvas %dx%d", models.ErrDegenerateInput, size.X, size.Y)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dc := gg.NewContext(size.X, size.Y)
	c.draw(dc, detections)

	c.latest = dc.Image().(*image.RGBA)
	c.detections = append(c.detections[:0], detections...)
	c.renders++
	return nil
}

func (c *Canvas) draw(dc *gg.Context, detections []models.Detection) {
	dc.SetFontFace(c.face)
	for _, d := range detections {
		dc.SetColor(c.style.Color)
		dc.SetLineWidth(c.style.LineWidth)
		dc.DrawRectangle(d.Box.X, d.Box.Y, d.Box.W, d.Box.H)
		dc.Stroke()
		dc.DrawString(d.Label, d.Box.X, d.Box.Y-labelOffset)
	}
}

// Clear drops the current overlay.
func (c *Canvas) Clear() {
	c.mu.Lock()
	c.latest = nil
	c.detections = nil
	c.mu.Unlock()
}

// Latest returns the last overlay, or nil when nothing has been drawn since
// the last Clear.
func (c *Canvas) Latest() image.Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return nil
	}
	return c.latest
}

// Detections returns a copy of what the last overlay shows.
func (c *Canvas) Detections() []models.Detection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Detection(nil), c.detections...)
}

// Renders counts completed Render calls.
func (c *Canvas) Renders() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.renders
}

// Annotate returns a copy of img with detections drawn on top.
func (c *Canvas) Annotate(img image.Image, detections []models.Detection) image.Image {
	b := img.Bounds()
	dc := gg.NewContext(b.Dx(), b.Dy())

	c.mu.Lock()
	c.draw(dc, detections)
	c.mu.Unlock()

	return Composite(img, dc.Image())
}

// Composite lays overlay over img at the origin.
func Composite(img, overlay image.Image) image.Image {
	if overlay == nil {
		return imaging.Clone(img)
	}
	return imaging.Overlay(img, overlay, image.Pt(0, 0), 1.0)
}
