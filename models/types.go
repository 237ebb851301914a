package models

import (
	"image"
	"time"
)

// Point is a 2D position in pixel space, origin top-left.
type Point struct {
	X, Y float64
}

// Rect is an axis-aligned box in top-left form.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Area returns W*H, or zero for empty or inverted boxes.
func (r Rect) Area() float64 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// Image converts the box to integer pixel bounds, rounding to nearest.
func (r Rect) Image() image.Rectangle {
	return image.Rect(round(r.X), round(r.Y), round(r.X+r.W), round(r.Y+r.H))
}

func round(v float64) int {
	if v < 0 {
		return int(v - 0.5)
	}
	return int(v + 0.5)
}

// Frame is one captured or decoded picture. It must not be modified after capture.
type Frame struct {
	Image    image.Image
	Seq      uint64
	Captured time.Time
}

// Width of the frame in pixels.
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height of the frame in pixels.
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// Candidate is one decoded anchor slot in model input space.
type Candidate struct {
	Box     Rect
	Score   float32
	ClassID int
}

// Detection is a kept candidate mapped back to the frame it came from.
type Detection struct {
	Box     Rect    `json:"box"`
	Label   string  `json:"label"`
	ClassID int     `json:"class_id"`
	Score   float32 `json:"score"`
}

type ProcessingTimings struct {
	RequestID   string        `json:"request_id,omitempty"`
	ImageDecode time.Duration `json:"image_decode"`
	Preprocess  time.Duration `json:"preprocess"`
	Inference   time.Duration `json:"inference"`
	Postprocess time.Duration `json:"postprocess"`
	Suppression time.Duration `json:"suppression"`
	Total       time.Duration `json:"total"`
}
