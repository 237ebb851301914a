// Package modelcache holds the single process-wide model instance. The first
// Get loads it; concurrent callers share that load; later callers get the
// cached handle. A failed load is not cached.
package modelcache

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Tutortoise/object-detection-service/metrics"
	"github.com/Tutortoise/object-detection-service/models"
)

// LoadFunc builds the model. It runs detached from the caller's context so
// one impatient caller cannot abort a load other callers are waiting on.
type LoadFunc func(ctx context.Context) (models.Model, error)

type Cache struct {
	path   string
	load   LoadFunc
	group  singleflight.Group
	logger zerolog.Logger

	mu     sync.RWMutex
	handle models.Model
	closed bool
}

// New returns an empty cache. path is used for error reporting only.
func New(path string, load LoadFunc, logger zerolog.Logger) *Cache {
	return &Cache{
		path:   path,
		load:   load,
		logger: logger.With().Str("component", "modelcache").Logger(),
	}
}

var errClosed = errors.New("model cache closed")

// Get returns the loaded model, loading it first if needed. Returning early
// on ctx cancellation leaves the shared load running.
func (c *Cache) Get(ctx context.Context) (models.Model, error) {
	if m, ok := c.Handle(); ok {
		return m, nil
	}

	ch := c.group.DoChan("model", func() (interface{}, error) {
		c.mu.RLock()
		m, closed := c.handle, c.closed
		c.mu.RUnlock()
		if closed {
			return nil, errClosed
		}
		if m != nil {
			return m, nil
		}

		c.logger.Info().Str("path", c.path).Msg("Loading model")
		m, err := c.load(context.WithoutCancel(ctx))
		if err != nil {
			metrics.ModelLoads.WithLabelValues("error").Inc()
			c.logger.Error().Err(err).Str("path", c.path).Msg("Model load failed")
			var loadErr *models.ModelLoadError
			if errors.As(err, &loadErr) {
				return nil, err
			}
			return nil, &models.ModelLoadError{Path: c.path, Cause: err}
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			closeModel(m)
			return nil, errClosed
		}
		c.handle = m
		metrics.ModelLoads.WithLabelValues("ok").Inc()
		c.logger.Info().Str("path", c.path).Msg("Model loaded successfully")
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(models.Model), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle returns the model if it has finished loading.
func (c *Cache) Handle() (models.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle, c.handle != nil
}

// Close releases the model if it implements io.Closer. Subsequent Gets fail.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	m := c.handle
	c.handle = nil
	return closeModel(m)
}

func closeModel(m models.Model) error {
	if closer, ok := m.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
