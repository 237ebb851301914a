// Package scheduler drives detection over a live source at a fixed period
// with at most one inference in flight.
package scheduler

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tutortoise/object-detection-service/capture"
	"github.com/Tutortoise/object-detection-service/metrics"
	"github.com/Tutortoise/object-detection-service/models"
)

const DefaultPeriod = 100 * time.Millisecond

// Detector runs the detection pipeline on one frame.
type Detector interface {
	Detect(ctx context.Context, frame *models.Frame, timings *models.ProcessingTimings) ([]models.Detection, error)
}

// Renderer receives source-space detections for a canvas of the given size.
type Renderer interface {
	Render(detections []models.Detection, size image.Point) error
}

// ModelLoader makes sure the model is loaded before capture starts.
type ModelLoader interface {
	Get(ctx context.Context) (models.Model, error)
}

type Options struct {
	Period time.Duration
	Clock  clock.Clock
	// Loader is optional.
	Loader ModelLoader
}

type result struct {
	frame      *models.Frame
	detections []models.Detection
	timings    *models.ProcessingTimings
	err        error
}

type Scheduler struct {
	detector Detector
	source   capture.Source
	renderer Renderer
	loader   ModelLoader
	clock    clock.Clock
	period   time.Duration
	logger   zerolog.Logger

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	// inflight is set from launching Detect until it returns, across runs:
	// a call left running by Stop still blocks ticks after the next Start.
	inflight atomic.Bool

	mu             sync.RWMutex
	status         Status
	lastFrame      *models.Frame
	lastDetections []models.Detection
}

func New(detector Detector, source capture.Source, renderer Renderer, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Scheduler{
		detector: detector,
		source:   source,
		renderer: renderer,
		loader:   opts.Loader,
		clock:    opts.Clock,
		period:   opts.Period,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		status:   Status{Message: MsgIdle},
	}
}

// Start loads the model, acquires the source and begins ticking. Starting a
// running scheduler does nothing. The model load runs before the lifecycle
// lock is taken; acquiring the source holds it, so a concurrent Stop waits
// for the acquire to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started() {
		return nil
	}

	if s.loader != nil {
		if _, err := s.loader.Get(ctx); err != nil {
			s.failStart(err)
			return err
		}
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel != nil {
		return nil
	}

	if err := s.source.Acquire(ctx); err != nil {
		s.failStart(err)
		return err
	}

	runID := uuid.NewString()
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	ticker := s.clock.Ticker(s.period)

	s.cancel = cancel
	s.done = done

	s.mu.Lock()
	s.status = Status{
		RunID:     runID,
		Running:   true,
		Message:   MsgStarted,
		StartedAt: s.clock.Now(),
	}
	s.lastFrame = nil
	s.lastDetections = nil
	s.mu.Unlock()

	metrics.SchedulerRunning.Set(1)
	s.logger.Info().Str("run_id", runID).Dur("period", s.period).Msg(MsgStarted)

	go s.loop(loopCtx, ticker, done)
	return nil
}

func (s *Scheduler) started() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) failStart(err error) {
	s.mu.Lock()
	s.status.Message = startErrorMessage(err)
	s.status.LastError = err.Error()
	s.status.Errors++
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("Failed to start detection")
}

// Stop halts ticking and releases the source. No result is rendered after
// Stop returns; an inference still running is left to finish and dropped.
// Stopping an idle scheduler does nothing.
func (s *Scheduler) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	err := s.source.Release()

	s.mu.Lock()
	s.status.Running = false
	s.status.Message = MsgStopped
	runID := s.status.RunID
	s.mu.Unlock()

	metrics.SchedulerRunning.Set(0)
	s.logger.Info().Str("run_id", runID).Msg(MsgStopped)
	return err
}

func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Running
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastFrame returns the most recently rendered frame with its detections.
func (s *Scheduler) LastFrame() (*models.Frame, []models.Detection) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFrame, append([]models.Detection(nil), s.lastDetections...)
}

// loop tracks its own undelivered result in pending; the scheduler-wide
// inflight flag covers a call abandoned by an earlier run. Results arrive on
// an unbuffered channel so a detection that completes after cancellation is
// never delivered.
func (s *Scheduler) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	results := make(chan result)
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case res := <-results:
			pending = false
			s.complete(ctx, res)
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if pending || s.inflight.Load() {
				s.count(func(st *Status) { st.Ticks++; st.Skipped++ })
				metrics.SchedulerTicks.WithLabelValues("skipped").Inc()
				continue
			}
			s.count(func(st *Status) { st.Ticks++ })

			frame, err := s.source.CurrentFrame(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.SchedulerTicks.WithLabelValues("capture_error").Inc()
				s.fail(err)
				continue
			}

			pending = true
			s.inflight.Store(true)
			metrics.SchedulerTicks.WithLabelValues("started").Inc()
			go s.run(ctx, frame, results)
		}
	}
}

// run does not pass cancellation to the detector: stop lets the in-flight
// call finish and discards its result.
func (s *Scheduler) run(ctx context.Context, frame *models.Frame, results chan<- result) {
	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}
	dets, err := s.detector.Detect(context.WithoutCancel(ctx), frame, timings)
	s.inflight.Store(false)

	select {
	case results <- result{frame: frame, detections: dets, timings: timings, err: err}:
	case <-ctx.Done():
		s.stale(timings.RequestID)
	}
}

func (s *Scheduler) complete(ctx context.Context, res result) {
	if ctx.Err() != nil {
		s.stale(res.timings.RequestID)
		return
	}
	if res.err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		s.fail(res.err)
		return
	}

	size := image.Pt(res.frame.Width(), res.frame.Height())
	if err := s.renderer.Render(res.detections, size); err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		s.fail(err)
		return
	}
	metrics.SchedulerTicks.WithLabelValues("rendered").Inc()

	s.mu.Lock()
	s.status.Rendered++
	s.status.InferenceTime = res.timings.Inference
	s.status.Objects = len(res.detections)
	s.status.Message = inferenceMessage(res.timings.Inference, len(res.detections))
	s.lastFrame = res.frame
	s.lastDetections = res.detections
	s.mu.Unlock()

	s.logger.Debug().
		Str("request_id", res.timings.RequestID).
		Uint64("seq", res.frame.Seq).
		Dur("inference", res.timings.Inference).
		Int("objects", len(res.detections)).
		Msg("Frame rendered")
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	s.status.Errors++
	s.status.LastError = err.Error()
	s.status.Message = frameErrorMessage(err)
	s.mu.Unlock()
	s.logger.Warn().Err(err).Msg("Error processing frame")
}

func (s *Scheduler) stale(requestID string) {
	metrics.StaleResults.Inc()
	s.count(func(st *Status) { st.Stale++ })
	s.logger.Debug().Str("request_id", requestID).Msg("Dropped result after stop")
}

func (s *Scheduler) count(update func(*Status)) {
	s.mu.Lock()
	update(&s.status)
	s.mu.Unlock()
}
