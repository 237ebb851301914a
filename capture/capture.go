// Package capture provides frame sources for the scheduler and image decoding
// for uploads.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Tutortoise/object-detection-service/models"
)

// Source is a live frame source. Acquire must succeed before CurrentFrame is
// called; Release gives the device back.
type Source interface {
	Acquire(ctx context.Context) error
	CurrentFrame(ctx context.Context) (*models.Frame, error)
	Release() error
}

// Kind selects a Source implementation.
type Kind string

const (
	KindSnapshot  Kind = "snapshot"
	KindDirectory Kind = "directory"
	KindStill     Kind = "still"
)

// ParseKind accepts the configured capture kind, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindSnapshot, KindDirectory, KindStill:
		return k, nil
	default:
		return "", fmt.Errorf("unknown capture kind %q", s)
	}
}

type Config struct {
	Kind    Kind
	URL     string
	Dir     string
	Path    string
	Timeout time.Duration
}

// New builds the source described by cfg. Nothing is opened until Acquire.
func New(cfg Config, logger zerolog.Logger) (Source, error) {
	switch cfg.Kind {
	case KindSnapshot:
		if cfg.URL == "" {
			return nil, fmt.Errorf("snapshot capture requires a url")
		}
		return NewSnapshot(cfg.URL, cfg.Timeout, logger), nil
	case KindDirectory:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("directory capture requires a dir")
		}
		return NewDirectory(cfg.Dir, logger), nil
	case KindStill:
		if cfg.Path == "" {
			return nil, fmt.Errorf("still capture requires a path")
		}
		return NewStillFile(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown capture kind %q", cfg.Kind)
	}
}

// Decode turns encoded image bytes into an image, applying EXIF orientation.
// Any failure is reported as models.ErrDecode.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", models.ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", models.ErrDegenerateInput, b.Dx(), b.Dy())
	}
	return img, nil
}

// DecodeFrame decodes data into a single Frame.
func DecodeFrame(data []byte) (*models.Frame, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &models.Frame{Image: img, Captured: time.Now()}, nil
}

type sequence struct {
	n atomic.Uint64
}

func (s *sequence) frame(img image.Image) *models.Frame {
	return &models.Frame{Image: img, Seq: s.n.Add(1), Captured: time.Now()}
}

type unavailable struct {
	err error
}

// Unavailable is a source that always fails to acquire with err, for when the
// configured capture device cannot be built.
func Unavailable(err error) Source {
	return unavailable{err: err}
}

func (u unavailable) Acquire(context.Context) error {
	return fmt.Errorf("%w: %v", models.ErrCaptureUnavailable, u.err)
}

func (u unavailable) CurrentFrame(context.Context) (*models.Frame, error) {
	return nil, fmt.Errorf("%w: %v", models.ErrCaptureUnavailable, u.err)
}

func (u unavailable) Release() error { return nil }
