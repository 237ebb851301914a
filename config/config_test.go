package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/object-detection-service/capture"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/inference"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
	assert.Equal(t, 640, cfg.Model.InputWidth)
	assert.Equal(t, "nchw", cfg.Model.InputLayout)
	assert.Equal(t, 0.2, cfg.Detect.ScoreThreshold)
	assert.Equal(t, 0.45, cfg.Detect.IoUThreshold)
	assert.Equal(t, 0, cfg.Detect.MaxOutputs)
	assert.False(t, cfg.Detect.PerClassNMS)
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.Period)
	assert.Equal(t, "snapshot", cfg.Capture.Kind)
}

func TestLoadFileEnvAndOverrides(t *testing.T) {
	path := writeConfig(t, `
log_level: warn
http:
  addr: ":9000"
model:
  path: /models/custom.onnx
  input_layout: NHWC
  pool_size: 4
detect:
  score_threshold: 0.35
  per_class_nms: true
scheduler:
  period: 250ms
capture:
  kind: directory
  dir: /frames
`)
	t.Setenv("DETECTOR_DETECT_IOU_THRESHOLD", "0.6")

	cfg, err := Load(path, Options{Addr: ":7000"})
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "/models/custom.onnx", cfg.Model.Path)
	assert.Equal(t, 4, cfg.Model.PoolSize)
	assert.Equal(t, 0.35, cfg.Detect.ScoreThreshold)
	assert.Equal(t, 0.6, cfg.Detect.IoUThreshold)
	assert.True(t, cfg.Detect.PerClassNMS)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.Period)

	ic := cfg.InferenceConfig(len(detections.COCOLabels))
	assert.Equal(t, inference.LayoutNHWC, ic.InputLayout)
	assert.Equal(t, 80, ic.NumClasses)

	cs := cfg.CaptureSource()
	assert.Equal(t, capture.KindDirectory, cs.Kind)
	assert.Equal(t, "/frames", cs.Dir)

	opts := cfg.DetectOptions(detections.Labels{"face"})
	assert.Equal(t, 0.35, opts.ScoreThreshold)
	assert.True(t, opts.PerClassNMS)
	assert.Equal(t, detections.Labels{"face"}, opts.Labels)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("", Options{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "zero input width", mutate: func(c *Config) { c.Model.InputWidth = 0 }, errMsg: "model input size must be positive"},
		{name: "score above one", mutate: func(c *Config) { c.Detect.ScoreThreshold = 1.5 }, errMsg: "detect.score_threshold"},
		{name: "negative iou", mutate: func(c *Config) { c.Detect.IoUThreshold = -0.1 }, errMsg: "detect.iou_threshold"},
		{name: "negative max outputs", mutate: func(c *Config) { c.Detect.MaxOutputs = -1 }, errMsg: "detect.max_outputs"},
		{name: "zero period", mutate: func(c *Config) { c.Scheduler.Period = 0 }, errMsg: "scheduler.period"},
		{name: "unknown layout", mutate: func(c *Config) { c.Model.InputLayout = "chw" }, errMsg: "model.input_layout"},
		{name: "unknown capture", mutate: func(c *Config) { c.Capture.Kind = "rtsp" }, errMsg: "capture.kind"},
		{name: "zero pool", mutate: func(c *Config) { c.Model.PoolSize = 0 }, errMsg: "model.pool_size"},
		{name: "no retry attempts", mutate: func(c *Config) { c.Detect.RetryAttempts = 0 }, errMsg: "detect.retry_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}
