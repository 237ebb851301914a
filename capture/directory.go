package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tutortoise/object-detection-service/models"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// Directory replays the images in a directory in name order, looping at the end.
type Directory struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	files []string
	next  int
	seq   sequence
}

func NewDirectory(dir string, logger zerolog.Logger) *Directory {
	return &Directory{
		dir:    dir,
		logger: logger.With().Str("component", "capture").Str("dir", dir).Logger(),
	}
}

func (d *Directory) Acquire(_ context.Context) error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrCaptureUnavailable, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			files = append(files, filepath.Join(d.dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: no images in %s", models.ErrCaptureUnavailable, d.dir)
	}
	slices.Sort(files)

	d.mu.Lock()
	d.files = files
	d.next = 0
	d.mu.Unlock()

	d.logger.Info().Int("files", len(files)).Msg("Directory source acquired")
	return nil
}

func (d *Directory) CurrentFrame(ctx context.Context) (*models.Frame, error) {
	d.mu.Lock()
	if len(d.files) == 0 {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: directory source not acquired", models.ErrCaptureUnavailable)
	}
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCaptureUnavailable, err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return d.seq.frame(img), nil
}

func (d *Directory) Release() error {
	d.mu.Lock()
	d.files = nil
	d.next = 0
	d.mu.Unlock()
	return nil
}
