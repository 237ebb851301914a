// Package inference runs the detection network on ONNX Runtime.
package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/object-detection-service/models"
)

// Layout is the tensor layout the ONNX graph expects on its input.
type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

type Config struct {
	ModelPath      string
	LibraryPath    string
	InputWidth     int
	InputHeight    int
	InputLayout    Layout
	InputName      string
	OutputName     string
	NumClasses     int
	NumAnchors     int
	PoolSize       int
	IntraOpThreads int
	InterOpThreads int
	AcquireTimeout time.Duration
}

// DefaultConfig matches an Ultralytics YOLOv8n export at 640x640.
func DefaultConfig() Config {
	return Config{
		InputWidth:     640,
		InputHeight:    640,
		InputLayout:    LayoutNCHW,
		InputName:      "images",
		OutputName:     "output0",
		NumClasses:     80,
		NumAnchors:     8400,
		PoolSize:       DefaultPoolSize,
		AcquireTimeout: AcquireTimeout,
	}
}

func (c Config) inputShape() []int64 {
	h, w := int64(c.InputHeight), int64(c.InputWidth)
	if c.InputLayout == LayoutNHWC {
		return []int64{1, h, w, 3}
	}
	return []int64{1, 3, h, w}
}

func (c Config) outputShape() []int64 {
	return []int64{1, int64(4 + c.NumClasses), int64(c.NumAnchors)}
}

// BackendInfo describes how the runtime was configured.
type BackendInfo struct {
	Library        string   `json:"library"`
	Layout         Layout   `json:"layout"`
	PoolSize       int      `json:"pool_size"`
	IntraOpThreads int      `json:"intra_op_threads"`
	InterOpThreads int      `json:"inter_op_threads"`
	CPUFeatures    []string `json:"cpu_features"`
}

// Model runs predictions on a pool of ONNX sessions.
type Model struct {
	cfg    Config
	pool   *SessionPool
	info   BackendInfo
	logger zerolog.Logger

	closeOnce sync.Once
	ownsEnv   bool
}

// Load configures the ONNX Runtime environment and opens the model. It is
// meant to be called once, through the model cache.
func Load(ctx context.Context, cfg Config, logger zerolog.Logger) (*Model, error) {
	logger = logger.With().Str("component", "onnx").Logger()

	if cfg.IntraOpThreads <= 0 {
		cfg.IntraOpThreads = runtime.NumCPU()
	}
	if cfg.InterOpThreads <= 0 {
		cfg.InterOpThreads = runtime.NumCPU()
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, &models.ModelLoadError{Path: cfg.ModelPath, Cause: err}
	}

	lib, err := ResolveLibrary(cfg.LibraryPath)
	if err != nil {
		return nil, &models.ModelLoadError{Path: cfg.ModelPath, Cause: err}
	}

	ownsEnv := false
	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(lib)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, &models.ModelLoadError{Path: cfg.ModelPath, Cause: fmt.Errorf("initialize onnxruntime: %w", err)}
		}
		ownsEnv = true
	}

	info := BackendInfo{
		Library:        lib,
		Layout:         cfg.InputLayout,
		PoolSize:       cfg.PoolSize,
		IntraOpThreads: cfg.IntraOpThreads,
		InterOpThreads: cfg.InterOpThreads,
		CPUFeatures:    CPUFeatures(),
	}
	logger.Info().
		Str("library", lib).
		Str("layout", string(cfg.InputLayout)).
		Str("cpu_features", strings.Join(info.CPUFeatures, ",")).
		Msg("ONNX Runtime environment ready")

	if err := ctx.Err(); err != nil {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
		return nil, err
	}

	pool, err := NewSessionPool(cfg.PoolSize, cfg.AcquireTimeout, func() (*Session, error) {
		return newSession(cfg)
	}, logger)
	if err != nil {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
		return nil, &models.ModelLoadError{Path: cfg.ModelPath, Cause: err}
	}
	info.PoolSize = pool.Size()

	return &Model{cfg: cfg, pool: pool, info: info, logger: logger, ownsEnv: ownsEnv}, nil
}

// Info reports the backend configuration.
func (m *Model) Info() BackendInfo {
	return m.info
}

// Pool exposes session pool counters.
func (m *Model) Pool() *SessionPool {
	return m.pool
}

// Predict copies input into a pooled session, runs it and returns a copy of
// the output.
func (m *Model) Predict(ctx context.Context, input *models.Tensor) (*models.RawPrediction, error) {
	want := []int64{1, int64(m.cfg.InputHeight), int64(m.cfg.InputWidth), 3}
	if !slices.Equal(input.Shape, want) {
		return nil, fmt.Errorf("input shape %v, model expects %v", input.Shape, want)
	}

	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	copyInput(session.Input(), input.Data, m.cfg.InputLayout, m.cfg.InputHeight*m.cfg.InputWidth)

	if err := session.Run(); err != nil {
		m.pool.Discard(session, err)
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out := session.Output()
	raw := &models.RawPrediction{
		Shape: m.cfg.outputShape(),
		Data:  append([]float32(nil), out...),
	}
	m.pool.Release(session)
	return raw, nil
}

// Close destroys every session and, if this model initialized it, the
// runtime environment.
func (m *Model) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.pool.Destroy()
		if m.ownsEnv {
			err = ort.DestroyEnvironment()
		}
	})
	return err
}

// copyInput writes an NHWC source into dst in the requested layout.
func copyInput(dst, src []float32, layout Layout, pixels int) {
	if layout == LayoutNHWC {
		copy(dst, src)
		return
	}
	r, g, b := dst[:pixels], dst[pixels:2*pixels], dst[2*pixels:3*pixels]
	for i := 0; i < pixels; i++ {
		r[i] = src[i*3]
		g[i] = src[i*3+1]
		b[i] = src[i*3+2]
	}
}

var errUnknownLayout = errors.New("unknown input layout")

// ParseLayout accepts "nhwc" or "nchw", case-insensitively.
func ParseLayout(s string) (Layout, error) {
	switch l := Layout(strings.ToLower(s)); l {
	case LayoutNHWC, LayoutNCHW:
		return l, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownLayout, s)
	}
}
