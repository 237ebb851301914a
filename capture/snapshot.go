package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tutortoise/object-detection-service/models"
)

const (
	DefaultSnapshotTimeout = 5 * time.Second
	maxSnapshotBytes       = 20 << 20
)

// Snapshot polls a camera that serves its current picture over HTTP, such as
// the /snapshot.jpg endpoint found on most IP cameras.
type Snapshot struct {
	url    string
	client *http.Client
	logger zerolog.Logger

	mu       sync.Mutex
	acquired bool
	seq      sequence
}

func NewSnapshot(url string, timeout time.Duration, logger zerolog.Logger) *Snapshot {
	if timeout <= 0 {
		timeout = DefaultSnapshotTimeout
	}
	return &Snapshot{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "capture").Str("url", url).Logger(),
	}
}

// Acquire fetches one picture to check that the camera answers.
func (s *Snapshot) Acquire(ctx context.Context) error {
	if _, err := s.fetch(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.acquired = true
	s.mu.Unlock()
	s.logger.Info().Msg("Snapshot camera acquired")
	return nil
}

func (s *Snapshot) CurrentFrame(ctx context.Context) (*models.Frame, error) {
	s.mu.Lock()
	acquired := s.acquired
	s.mu.Unlock()
	if !acquired {
		return nil, fmt.Errorf("%w: snapshot source not acquired", models.ErrCaptureUnavailable)
	}

	data, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return s.seq.frame(img), nil
}

func (s *Snapshot) Release() error {
	s.mu.Lock()
	s.acquired = false
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}

func (s *Snapshot) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCaptureUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCaptureUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: camera returned %s", models.ErrCaptureUnavailable, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCaptureUnavailable, err)
	}
	if mime := http.DetectContentType(data); !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("%w: camera sent %s", models.ErrDecode, mime)
	}
	return data, nil
}
