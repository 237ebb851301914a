package capture

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/object-detection-service/models"
)

// Still serves the same picture on every call.
type Still struct {
	path string

	mu       sync.Mutex
	img      image.Image
	acquired bool
	seq      sequence
}

// NewStill serves img. The image is copied so later changes by the caller
// do not leak into frames.
func NewStill(img image.Image) *Still {
	return &Still{img: imaging.Clone(img)}
}

// NewStillFile serves the image at path, read on Acquire.
func NewStillFile(path string) *Still {
	return &Still{path: path}
}

func (s *Still) Acquire(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.img == nil {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrCaptureUnavailable, err)
		}
		img, err := Decode(data)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", models.ErrCaptureUnavailable, s.path, err)
		}
		s.img = img
	}
	s.acquired = true
	return nil
}

func (s *Still) CurrentFrame(_ context.Context) (*models.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acquired {
		return nil, fmt.Errorf("%w: still source not acquired", models.ErrCaptureUnavailable)
	}
	return s.seq.frame(s.img), nil
}

func (s *Still) Release() error {
	s.mu.Lock()
	s.acquired = false
	s.mu.Unlock()
	return nil
}
