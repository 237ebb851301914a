// Package geometry maps between frame pixel space and the letterboxed model
// input space.
package geometry

import (
	"fmt"
	"math"

	"github.com/Tutortoise/object-detection-service/models"
)

// Transform maps source-frame coordinates to target-tensor coordinates:
// target = source*Scale + Offset.
type Transform struct {
	Scale   float64
	OffsetX float64
	OffsetY float64
}

// Compute returns the letterbox fit of a srcW x srcH frame into a targetW x
// targetH canvas. The scaled image is centred and never cropped.
func Compute(srcW, srcH, targetW, targetH int) (Transform, error) {
	if srcW <= 0 || srcH <= 0 || targetW <= 0 || targetH <= 0 {
		return Transform{}, fmt.Errorf("%w: source %dx%d, target %dx%d",
			models.ErrDegenerateInput, srcW, srcH, targetW, targetH)
	}
	scale := math.Min(float64(targetW)/float64(srcW), float64(targetH)/float64(srcH))
	return Transform{
		Scale:   scale,
		OffsetX: (float64(targetW) - float64(srcW)*scale) / 2,
		OffsetY: (float64(targetH) - float64(srcH)*scale) / 2,
	}, nil
}

func (t Transform) ToTarget(p models.Point) models.Point {
	return models.Point{X: p.X*t.Scale + t.OffsetX, Y: p.Y*t.Scale + t.OffsetY}
}

func (t Transform) ToSource(p models.Point) models.Point {
	return models.Point{X: (p.X - t.OffsetX) / t.Scale, Y: (p.Y - t.OffsetY) / t.Scale}
}

// RectToSource maps a target-space box back to the source frame. Width and
// height only scale; the offset does not apply to them.
func (t Transform) RectToSource(r models.Rect) models.Rect {
	tl := t.ToSource(models.Point{X: r.X, Y: r.Y})
	return models.Rect{X: tl.X, Y: tl.Y, W: r.W / t.Scale, H: r.H / t.Scale}
}

func (t Transform) RectToTarget(r models.Rect) models.Rect {
	tl := t.ToTarget(models.Point{X: r.X, Y: r.Y})
	return models.Rect{X: tl.X, Y: tl.Y, W: r.W * t.Scale, H: r.H * t.Scale}
}

// Content returns the region of the target canvas covered by the scaled
// source image.
func (t Transform) Content(srcW, srcH int) models.Rect {
	return models.Rect{
		X: t.OffsetX,
		Y: t.OffsetY,
		W: float64(srcW) * t.Scale,
		H: float64(srcH) * t.Scale,
	}
}
