package detections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tutortoise/object-detection-service/metrics"
	"github.com/Tutortoise/object-detection-service/models"
)

// ModelSource hands out the loaded model, if any. It never blocks.
type ModelSource interface {
	Handle() (models.Model, bool)
}

type Options struct {
	InputWidth     int
	InputHeight    int
	ScoreThreshold float64
	IoUThreshold   float64
	// MaxOutputs of zero keeps up to every candidate slot.
	MaxOutputs  int
	PerClassNMS bool
	Labels      Labels
}

// DefaultOptions mirrors the stock YOLOv8 web export: 640x640 input, COCO
// labels, 0.2 score and 0.45 IoU thresholds.
func DefaultOptions() Options {
	return Options{
		InputWidth:     InputWidth,
		InputHeight:    InputHeight,
		ScoreThreshold: DefaultScoreThreshold,
		IoUThreshold:   DefaultIoUThreshold,
		Labels:         COCOLabels,
	}
}

// Pipeline runs preprocess, model, decode, suppression and inverse mapping
// for one frame. Calls are independent; the only shared state is the
// read-only model and the buffer pools.
type Pipeline struct {
	source     ModelSource
	pre        *Preprocessor
	decoder    Decoder
	suppressor Suppressor
	labels     Labels
	logger     zerolog.Logger
}

func NewPipeline(source ModelSource, opts Options, logger zerolog.Logger) *Pipeline {
	if len(opts.Labels) == 0 {
		opts.Labels = COCOLabels
	}
	return &Pipeline{
		source:  source,
		pre:     NewPreprocessor(opts.InputWidth, opts.InputHeight),
		decoder: Decoder{NumClasses: len(opts.Labels)},
		suppressor: Suppressor{
			ScoreThreshold: opts.ScoreThreshold,
			IoUThreshold:   opts.IoUThreshold,
			MaxOutputs:     opts.MaxOutputs,
			PerClass:       opts.PerClassNMS,
		},
		labels: opts.Labels,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Labels returns the class names the pipeline decodes against.
func (p *Pipeline) Labels() Labels {
	return p.labels
}

// Detect returns the detections in frame, in frame pixel coordinates,
// highest score first. timings may be nil.
func (p *Pipeline) Detect(ctx context.Context, frame *models.Frame, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	dets, err := p.detect(ctx, frame, timings)
	if err != nil {
		metrics.RecordError(err)
		return nil, err
	}
	metrics.ObserveStages(timings)
	metrics.ObserveDetections(dets)
	return dets, nil
}

// DetectWithRetry retries inference failures with a linear backoff. Other
// errors are returned immediately since repeating them cannot help.
func (p *Pipeline) DetectWithRetry(ctx context.Context, frame *models.Frame, timings *models.ProcessingTimings, attempts int, delay time.Duration) ([]models.Detection, error) {
	var lastErr error

	for attempt := 1; attempt <= max(attempts, 1); attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		dets, err := p.Detect(ctx, frame, timings)
		if err == nil {
			return dets, nil
		}
		lastErr = err

		var inf *models.InferenceError
		if !errors.As(err, &inf) {
			return nil, err
		}
		if attempt < attempts {
			p.logger.Warn().Err(err).Int("attempt", attempt).Msg("Inference failed, retrying")
			select {
			case <-time.After(time.Duration(attempt) * delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, lastErr
}

func (p *Pipeline) detect(ctx context.Context, frame *models.Frame, timings *models.ProcessingTimings) ([]models.Detection, error) {
	model, ok := p.source.Handle()
	if !ok {
		return nil, models.ErrModelNotReady
	}

	prepStart := time.Now()
	input, transform, err := p.pre.Prepare(frame)
	if err != nil {
		return nil, fmt.Errorf("prepare input: %w", err)
	}
	defer input.Release()
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	raw, err := model.Predict(ctx, input)
	if err != nil {
		return nil, &models.InferenceError{Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	candidates, err := p.decoder.Decode(raw)
	if err != nil {
		return nil, err
	}
	timings.Postprocess = time.Since(postStart)

	nmsStart := time.Now()
	suppressor := p.suppressor
	if suppressor.MaxOutputs <= 0 {
		suppressor.MaxOutputs = len(candidates)
	}
	keep := suppressor.Suppress(candidates)

	dets := make([]models.Detection, 0, len(keep))
	for _, i := range keep {
		c := candidates[i]
		dets = append(dets, models.Detection{
			Box:     transform.RectToSource(c.Box),
			Label:   p.labels.Name(c.ClassID),
			ClassID: c.ClassID,
			Score:   c.Score,
		})
	}
	timings.Suppression = time.Since(nmsStart)

	p.logger.Debug().
		Int("candidates", len(candidates)).
		Int("kept", len(dets)).
		Dur("inference", timings.Inference).
		Msg("Frame processed")

	return dets, nil
}
