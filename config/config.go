// Package config loads service configuration from defaults, a YAML file,
// DETECTOR_* environment variables and command line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Tutortoise/object-detection-service/capture"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/inference"
)

// Config is the root configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	Model     ModelConfig     `mapstructure:"model"`
	Detect    DetectConfig    `mapstructure:"detect"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Capture   CaptureConfig   `mapstructure:"capture"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ModelConfig describes the ONNX graph and how to run it.
type ModelConfig struct {
	Path           string        `mapstructure:"path"`
	LibraryPath    string        `mapstructure:"library_path"`
	LabelsPath     string        `mapstructure:"labels_path"`
	InputWidth     int           `mapstructure:"input_width"`
	InputHeight    int           `mapstructure:"input_height"`
	InputLayout    string        `mapstructure:"input_layout"`
	InputName      string        `mapstructure:"input_name"`
	OutputName     string        `mapstructure:"output_name"`
	NumAnchors     int           `mapstructure:"num_anchors"`
	PoolSize       int           `mapstructure:"pool_size"`
	IntraOpThreads int           `mapstructure:"intra_op_threads"`
	InterOpThreads int           `mapstructure:"inter_op_threads"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// DetectConfig holds post-processing thresholds.
type DetectConfig struct {
	ScoreThreshold float64       `mapstructure:"score_threshold"`
	IoUThreshold   float64       `mapstructure:"iou_threshold"`
	MaxOutputs     int           `mapstructure:"max_outputs"`
	PerClassNMS    bool          `mapstructure:"per_class_nms"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

type SchedulerConfig struct {
	Period time.Duration `mapstructure:"period"`
}

type CaptureConfig struct {
	Kind    string        `mapstructure:"kind"`
	URL     string        `mapstructure:"url"`
	Dir     string        `mapstructure:"dir"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Options are command line overrides. Zero values are ignored.
type Options struct {
	Addr      string
	ModelPath string
	LogLevel  string
}

// Load reads configuration. An explicit configPath must exist; otherwise
// detector.yaml is looked up in the usual places and may be absent.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("detector")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/detector")
		v.AddConfigPath("$HOME/.detector")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DETECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Addr != "" {
		v.Set("http.addr", opts.Addr)
	}
	if opts.ModelPath != "" {
		v.Set("model.path", opts.ModelPath)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "auto")

	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.read_timeout", 60*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)

	m := inference.DefaultConfig()
	v.SetDefault("model.path", "models/yolov8n.onnx")
	v.SetDefault("model.library_path", "")
	v.SetDefault("model.labels_path", "")
	v.SetDefault("model.input_width", m.InputWidth)
	v.SetDefault("model.input_height", m.InputHeight)
	v.SetDefault("model.input_layout", string(m.InputLayout))
	v.SetDefault("model.input_name", m.InputName)
	v.SetDefault("model.output_name", m.OutputName)
	v.SetDefault("model.num_anchors", m.NumAnchors)
	v.SetDefault("model.pool_size", inference.DefaultPoolSize)
	v.SetDefault("model.intra_op_threads", 0)
	v.SetDefault("model.inter_op_threads", 0)
	v.SetDefault("model.acquire_timeout", inference.AcquireTimeout)

	v.SetDefault("detect.score_threshold", detections.DefaultScoreThreshold)
	v.SetDefault("detect.iou_threshold", detections.DefaultIoUThreshold)
	v.SetDefault("detect.max_outputs", 0)
	v.SetDefault("detect.per_class_nms", false)
	v.SetDefault("detect.retry_attempts", detections.RetryAttempts)
	v.SetDefault("detect.retry_delay", detections.RetryDelay)

	v.SetDefault("scheduler.period", 100*time.Millisecond)

	v.SetDefault("capture.kind", string(capture.KindSnapshot))
	v.SetDefault("capture.url", "")
	v.SetDefault("capture.dir", "")
	v.SetDefault("capture.path", "")
	v.SetDefault("capture.timeout", capture.DefaultSnapshotTimeout)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr cannot be empty")
	}
	if c.Model.Path == "" {
		return errors.New("model.path cannot be empty")
	}
	if c.Model.InputWidth <= 0 || c.Model.InputHeight <= 0 {
		return fmt.Errorf("model input size must be positive, got %dx%d", c.Model.InputWidth, c.Model.InputHeight)
	}
	if c.Model.NumAnchors <= 0 {
		return fmt.Errorf("model.num_anchors must be positive, got %d", c.Model.NumAnchors)
	}
	if c.Model.PoolSize <= 0 {
		return fmt.Errorf("model.pool_size must be positive, got %d", c.Model.PoolSize)
	}
	if c.Model.IntraOpThreads < 0 || c.Model.InterOpThreads < 0 {
		return errors.New("model thread counts cannot be negative")
	}
	if _, err := inference.ParseLayout(c.Model.InputLayout); err != nil {
		return fmt.Errorf("model.input_layout: %w", err)
	}
	if c.Detect.ScoreThreshold < 0 || c.Detect.ScoreThreshold > 1 {
		return fmt.Errorf("detect.score_threshold must be in [0,1], got %v", c.Detect.ScoreThreshold)
	}
	if c.Detect.IoUThreshold < 0 || c.Detect.IoUThreshold > 1 {
		return fmt.Errorf("detect.iou_threshold must be in [0,1], got %v", c.Detect.IoUThreshold)
	}
	if c.Detect.MaxOutputs < 0 {
		return fmt.Errorf("detect.max_outputs cannot be negative, got %d", c.Detect.MaxOutputs)
	}
	if c.Detect.RetryAttempts < 1 {
		return fmt.Errorf("detect.retry_attempts must be at least 1, got %d", c.Detect.RetryAttempts)
	}
	if c.Scheduler.Period <= 0 {
		return fmt.Errorf("scheduler.period must be positive, got %v", c.Scheduler.Period)
	}
	if _, err := capture.ParseKind(c.Capture.Kind); err != nil {
		return fmt.Errorf("capture.kind: %w", err)
	}
	return nil
}

// InferenceConfig maps the model section onto the ONNX backend. The output
// width follows the number of classes in the label table.
func (c *Config) InferenceConfig(numClasses int) inference.Config {
	layout, _ := inference.ParseLayout(c.Model.InputLayout)
	return inference.Config{
		ModelPath:      c.Model.Path,
		LibraryPath:    c.Model.LibraryPath,
		InputWidth:     c.Model.InputWidth,
		InputHeight:    c.Model.InputHeight,
		InputLayout:    layout,
		InputName:      c.Model.InputName,
		OutputName:     c.Model.OutputName,
		NumClasses:     numClasses,
		NumAnchors:     c.Model.NumAnchors,
		PoolSize:       c.Model.PoolSize,
		IntraOpThreads: c.Model.IntraOpThreads,
		InterOpThreads: c.Model.InterOpThreads,
		AcquireTimeout: c.Model.AcquireTimeout,
	}
}

// DetectOptions maps the detect section onto pipeline options. NumClasses
// follows the label table.
func (c *Config) DetectOptions(labels detections.Labels) detections.Options {
	opts := detections.DefaultOptions()
	opts.InputWidth = c.Model.InputWidth
	opts.InputHeight = c.Model.InputHeight
	opts.ScoreThreshold = c.Detect.ScoreThreshold
	opts.IoUThreshold = c.Detect.IoUThreshold
	opts.MaxOutputs = c.Detect.MaxOutputs
	opts.PerClassNMS = c.Detect.PerClassNMS
	if labels != nil {
		opts.Labels = labels
	}
	return opts
}

// CaptureSource maps the capture section onto a capture source config.
func (c *Config) CaptureSource() capture.Config {
	kind, _ := capture.ParseKind(c.Capture.Kind)
	return capture.Config{
		Kind:    kind,
		URL:     c.Capture.URL,
		Dir:     c.Capture.Dir,
		Path:    c.Capture.Path,
		Timeout: c.Capture.Timeout,
	}
}
