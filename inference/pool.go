package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tutortoise/object-detection-service/metrics"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var (
	ErrPoolClosed     = errors.New("session pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// SessionPool hands out a fixed number of sessions. Sessions discarded after
// a failure are recreated by a periodic health check.
type SessionPool struct {
	sessions   chan *Session
	size       int
	newSession func() (*Session, error)
	timeout    time.Duration
	logger     zerolog.Logger

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	done       chan struct{}

	metricsMu sync.RWMutex
	metrics   PoolMetrics
}

// PoolMetrics is a snapshot of pool usage counters.
type PoolMetrics struct {
	InUse           int           `json:"in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	TotalDiscarded  int64         `json:"total_discarded"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time"`
}

// NewSessionPool creates size sessions up front. Any creation failure
// destroys what was built and fails the pool.
func NewSessionPool(size int, timeout time.Duration, newSession func() (*Session, error), logger zerolog.Logger) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if timeout <= 0 {
		timeout = AcquireTimeout
	}

	pool := &SessionPool{
		sessions:   make(chan *Session, size),
		size:       size,
		newSession: newSession,
		timeout:    timeout,
		logger:     logger.With().Str("component", "session_pool").Logger(),
		done:       make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		session, err := newSession()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metricsMu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metricsMu.Unlock()
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metricsMu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metricsMu.Unlock()
		metrics.SessionsInUse.Inc()
		return session, nil
	case <-timer.C:
		p.metricsMu.Lock()
		p.metrics.AcquireFailures++
		p.metricsMu.Unlock()
		metrics.SessionAcquireFailures.Inc()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session *Session) {
	p.checkIn(&p.metrics.TotalReleased)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a session that failed mid-run instead of returning it.
// The health check replaces it.
func (p *SessionPool) Discard(session *Session, cause error) {
	p.checkIn(&p.metrics.TotalDiscarded)
	session.Destroy()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	p.recordErrorLocked(cause)
	p.logger.Warn().Err(cause).Int("live", p.live).Msg("Session discarded")
}

func (p *SessionPool) checkIn(counter *int64) {
	p.metricsMu.Lock()
	p.metrics.InUse--
	*counter++
	p.metricsMu.Unlock()
	metrics.SessionsInUse.Dec()
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
	p.live = 0
}

func (p *SessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates sessions until the pool is back at size.
func (p *SessionPool) replenish() int {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	created := 0
	for i := 0; i < missing; i++ {
		session, err := p.newSession()
		if err != nil {
			p.mu.Lock()
			p.recordErrorLocked(err)
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return created
		}
		p.live++
		p.sessions <- session
		p.mu.Unlock()
		created++
	}
	if created > 0 {
		p.logger.Info().Int("created", created).Msg("Session pool replenished")
	}
	return created
}

func (p *SessionPool) recordErrorLocked(err error) {
	if err == nil {
		return
	}
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// Size is the configured number of sessions.
func (p *SessionPool) Size() int {
	return p.size
}

// LastErrors returns up to the ten most recent session failures.
func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *SessionPool) GetMetrics() PoolMetrics {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()
	return p.metrics
}
