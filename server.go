package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Tutortoise/object-detection-service/capture"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/inference"
	"github.com/Tutortoise/object-detection-service/modelcache"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/render"
	"github.com/Tutortoise/object-detection-service/scheduler"
)

const maxUploadBytes = 10 << 20

type AppState struct {
	Cache     *modelcache.Cache
	Pipeline  *detections.Pipeline
	Canvas    *render.Canvas
	Scheduler *scheduler.Scheduler
	Logger    zerolog.Logger

	RetryAttempts int
	RetryDelay    time.Duration

	mu   sync.RWMutex
	mode Mode
}

type DetectResponse struct {
	RequestID  string                    `json:"request_id"`
	Count      int                       `json:"count"`
	Detections []models.Detection        `json:"detections"`
	Message    string                    `json:"message"`
	Timings    *models.ProcessingTimings `json:"timings"`
}

type StreamResponse struct {
	Mode   Mode             `json:"mode"`
	Status scheduler.Status `json:"status"`
}

type ModeRequest struct {
	Mode Mode `json:"mode"`
}

type ModeResponse struct {
	Mode    Mode   `json:"mode"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Ready   bool                   `json:"ready"`
	Message string                 `json:"message"`
	Backend *inference.BackendInfo `json:"backend,omitempty"`
	Pool    *inference.PoolMetrics `json:"pool,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewAppState starts in webcam mode with the default retry policy.
func NewAppState(cache *modelcache.Cache, pipeline *detections.Pipeline, canvas *render.Canvas, sched *scheduler.Scheduler, logger zerolog.Logger) *AppState {
	return &AppState{
		Cache:         cache,
		Pipeline:      pipeline,
		Canvas:        canvas,
		Scheduler:     sched,
		Logger:        logger.With().Str("component", "http").Logger(),
		RetryAttempts: detections.RetryAttempts,
		RetryDelay:    detections.RetryDelay,
		mode:          ModeWebcam,
	}
}

func (s *AppState) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger)

	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/mode", s.handleMode).Methods(http.MethodPost)

	stream := r.PathPrefix("/stream").Subrouter()
	stream.HandleFunc("/start", s.handleStreamStart).Methods(http.MethodPost)
	stream.HandleFunc("/stop", s.handleStreamStop).Methods(http.MethodPost)
	stream.HandleFunc("/status", s.handleStreamStatus).Methods(http.MethodGet)
	stream.HandleFunc("/frame", s.handleStreamFrame).Methods(http.MethodGet)

	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *AppState) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		s.Logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: requestID(r.Context())}
	ctx := r.Context()

	imgBytes, err := readImageBody(r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	frame, err := capture.DecodeFrame(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendDetectError(w, err)
		return
	}

	if _, err := s.Cache.Get(ctx); err != nil {
		sendDetectError(w, err)
		return
	}

	dets, err := s.Pipeline.DetectWithRetry(ctx, frame, timings, s.RetryAttempts, s.RetryDelay)
	if err != nil {
		s.Logger.Warn().Err(err).Str("request_id", timings.RequestID).Msg(imageErrorMessage(err))
		sendDetectError(w, err)
		return
	}

	timings.Total = time.Since(startTotal)
	logTimings(s.Logger, timings)

	if r.URL.Query().Get("format") == "png" {
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, s.Canvas.Annotate(frame.Image, dets)); err != nil {
			s.Logger.Error().Err(err).Msg("Failed to encode annotated image")
		}
		return
	}

	writeJSON(w, http.StatusOK, DetectResponse{
		RequestID:  timings.RequestID,
		Count:      len(dets),
		Detections: dets,
		Message:    imageResultMessage(timings.Inference, len(dets)),
		Timings:    timings,
	})
}

func (s *AppState) handleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Mode != ModeWebcam && req.Mode != ModeImage {
		sendErrorResponse(w, "invalid_mode", fmt.Sprintf("unknown mode %q", req.Mode), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.mode = req.Mode
	s.mu.Unlock()

	if req.Mode == ModeImage {
		if err := s.Scheduler.Stop(); err != nil {
			s.Logger.Warn().Err(err).Msg("Failed to release capture source")
		}
	}
	s.Canvas.Clear()

	writeJSON(w, http.StatusOK, ModeResponse{Mode: req.Mode, Message: modeMessage(req.Mode)})
}

func (s *AppState) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	if s.Mode() != ModeWebcam {
		sendErrorResponse(w, "wrong_mode", "switch to webcam mode before starting detection", http.StatusConflict)
		return
	}
	if err := s.Scheduler.Start(r.Context()); err != nil {
		var loadErr *models.ModelLoadError
		switch {
		case errors.Is(err, models.ErrCaptureUnavailable):
			sendErrorResponse(w, "capture_unavailable", s.Scheduler.Status().Message, http.StatusServiceUnavailable)
		case errors.As(err, &loadErr):
			sendErrorResponse(w, "model_unavailable", s.Scheduler.Status().Message, http.StatusServiceUnavailable)
		default:
			sendErrorResponse(w, "start_failed", s.Scheduler.Status().Message, http.StatusInternalServerError)
		}
		return
	}
	// a switch to image mode may have landed while Start was loading
	if s.Mode() != ModeWebcam {
		if err := s.Scheduler.Stop(); err != nil {
			s.Logger.Warn().Err(err).Msg("Failed to release capture source")
		}
		sendErrorResponse(w, "wrong_mode", "mode changed while detection was starting", http.StatusConflict)
		return
	}
	s.handleStreamStatus(w, r)
}

func (s *AppState) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if err := s.Scheduler.Stop(); err != nil {
		s.Logger.Warn().Err(err).Msg("Failed to release capture source")
	}
	s.handleStreamStatus(w, r)
}

func (s *AppState) handleStreamStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StreamResponse{Mode: s.Mode(), Status: s.Scheduler.Status()})
}

func (s *AppState) handleStreamFrame(w http.ResponseWriter, _ *http.Request) {
	frame, _ := s.Scheduler.LastFrame()
	if frame == nil {
		sendErrorResponse(w, "no_frame", "no frame has been processed yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	if err := jpeg.Encode(w, render.Composite(frame.Image, s.Canvas.Latest()), &jpeg.Options{Quality: 85}); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to encode frame")
	}
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	m, ok := s.Cache.Handle()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Message: MsgModelLoading})
		return
	}

	resp := HealthResponse{Ready: true, Message: MsgModelLoaded}
	if backend, ok := m.(*inference.Model); ok {
		info := backend.Info()
		poolMetrics := backend.Pool().GetMetrics()
		resp.Backend = &info
		resp.Pool = &poolMetrics
	}
	writeJSON(w, http.StatusOK, resp)
}

// readImageBody accepts a JSON {"image": base64}, a multipart "file" field or
// the raw image bytes.
func readImageBody(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes*2)).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
}

func sendDetectError(w http.ResponseWriter, err error) {
	var loadErr *models.ModelLoadError
	var infErr *models.InferenceError
	switch {
	case errors.Is(err, models.ErrDecode):
		sendError(w, "invalid_image", "Failed to decode image", err, http.StatusBadRequest)
	case errors.Is(err, models.ErrDegenerateInput):
		sendError(w, "invalid_image", "Image has no pixels", err, http.StatusBadRequest)
	case errors.Is(err, models.ErrModelNotReady), errors.As(err, &loadErr):
		sendError(w, "model_unavailable", modelErrorMessage(err), err, http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		sendError(w, "canceled", "Request canceled", err, http.StatusServiceUnavailable)
	case errors.As(err, &infErr):
		sendError(w, "processing_error", imageErrorMessage(err), err, http.StatusInternalServerError)
	case errors.Is(err, models.ErrMalformedOutput):
		sendError(w, "malformed_output", imageErrorMessage(err), err, http.StatusInternalServerError)
	default:
		sendError(w, "processing_error", imageErrorMessage(err), err, http.StatusInternalServerError)
	}
}

func sendError(w http.ResponseWriter, code, message string, err error, status int) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message, Details: err.Error()})
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
