// Package metrics provides Prometheus collectors for the detection service.
//
// Pipeline:
//   - detector_inference_duration_seconds: model call latency
//   - detector_pipeline_duration_seconds: full detect call latency by stage
//   - detector_detections_total: detections emitted, by label
//   - detector_pipeline_errors_total: failed detect calls, by kind
//
// Scheduler:
//   - detector_scheduler_ticks_total: ticks by outcome (started, skipped, capture_error, error, rendered)
//   - detector_scheduler_running: 1 while the scheduler is running
//   - detector_stale_results_total: results dropped because the scheduler stopped
//
// Model:
//   - detector_model_loads_total: load attempts by result
//   - detector_sessions_in_use: ONNX sessions currently checked out of the pool
//   - detector_session_acquire_failures_total
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Tutortoise/object-detection-service/models"
)

var (
	InferenceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "detector_inference_duration_seconds",
			Help:    "Model prediction latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detector_pipeline_duration_seconds",
			Help:    "Detection pipeline stage latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_detections_total",
			Help: "Total detections emitted by label",
		},
		[]string{"label"},
	)

	PipelineErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_pipeline_errors_total",
			Help: "Failed detection calls by error kind",
		},
		[]string{"kind"},
	)

	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_scheduler_ticks_total",
			Help: "Scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	SchedulerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "detector_scheduler_running",
			Help: "Whether the frame scheduler is running",
		},
	)

	StaleResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "detector_stale_results_total",
			Help: "Inference results discarded because the scheduler had stopped",
		},
	)

	ModelLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_model_loads_total",
			Help: "Model load attempts by result",
		},
		[]string{"result"},
	)

	SessionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "detector_sessions_in_use",
			Help: "ONNX sessions currently checked out of the pool",
		},
	)

	SessionAcquireFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "detector_session_acquire_failures_total",
			Help: "Session pool acquire timeouts",
		},
	)
)

// ObserveStages records one pipeline run.
func ObserveStages(t *models.ProcessingTimings) {
	if t == nil {
		return
	}
	StageDuration.WithLabelValues("preprocess").Observe(t.Preprocess.Seconds())
	StageDuration.WithLabelValues("postprocess").Observe(t.Postprocess.Seconds())
	StageDuration.WithLabelValues("suppression").Observe(t.Suppression.Seconds())
	InferenceDuration.Observe(t.Inference.Seconds())
}

// ObserveDetections counts emitted detections by label.
func ObserveDetections(dets []models.Detection) {
	for _, d := range dets {
		DetectionsTotal.WithLabelValues(d.Label).Inc()
	}
}

// RecordError classifies a pipeline failure.
func RecordError(err error) {
	PipelineErrors.WithLabelValues(ErrorKind(err)).Inc()
}

// ErrorKind names the taxonomy bucket of err.
func ErrorKind(err error) string {
	var inf *models.InferenceError
	var load *models.ModelLoadError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, models.ErrModelNotReady):
		return "model_not_ready"
	case errors.Is(err, models.ErrMalformedOutput):
		return "malformed_output"
	case errors.Is(err, models.ErrDegenerateInput):
		return "degenerate_input"
	case errors.Is(err, models.ErrDecode):
		return "decode"
	case errors.Is(err, models.ErrCaptureUnavailable):
		return "capture"
	case errors.As(err, &inf):
		return "inference"
	case errors.As(err, &load):
		return "model_load"
	default:
		return "other"
	}
}
