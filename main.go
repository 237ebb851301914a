package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Tutortoise/object-detection-service/capture"
	"github.com/Tutortoise/object-detection-service/config"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/inference"
	"github.com/Tutortoise/object-detection-service/modelcache"
	"github.com/Tutortoise/object-detection-service/models"
	"github.com/Tutortoise/object-detection-service/render"
	"github.com/Tutortoise/object-detection-service/scheduler"
)

var (
	Version = "dev"
	Commit  = "none"
)

type globalFlags struct {
	configPath string
	logFormat  string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "detector",
		Short: "YOLO object detection service",
		Long: `detector runs a YOLO ONNX model over uploaded images or a live camera
and returns labelled bounding boxes.

Configuration is read from detector.yaml (., /etc/detector, $HOME/.detector)
and DETECTOR_* environment variables, e.g. DETECTOR_MODEL_PATH.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format: auto, console or json")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", os.Getenv("DEBUG") == "true", "Enable debug logging")

	rootCmd.AddCommand(newServeCmd(flags))
	rootCmd.AddCommand(newDetectCmd(flags))
	return rootCmd
}

func setupLogging(level, format string, debug bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	console := format == "console" || (format != "json" && term.IsTerminal(int(os.Stderr.Fd())))
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return log.Logger
}

func logTimings(logger zerolog.Logger, t *models.ProcessingTimings) {
	logger.Debug().
		Str("request_id", t.RequestID).
		Dur("image_decode", t.ImageDecode).
		Dur("preprocess", t.Preprocess).
		Dur("inference", t.Inference).
		Dur("postprocess", t.Postprocess).
		Dur("suppression", t.Suppression).
		Dur("total", t.Total).
		Msg("Processing times")
}

// app holds everything the commands share.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	labels   detections.Labels
	cache    *modelcache.Cache
	pipeline *detections.Pipeline
	canvas   *render.Canvas
}

func newApp(flags *globalFlags, opts config.Options) (*app, error) {
	cfg, err := config.Load(flags.configPath, opts)
	if err != nil {
		return nil, err
	}

	format := cfg.LogFormat
	if flags.logFormat != "" {
		format = flags.logFormat
	}
	logger := setupLogging(cfg.LogLevel, format, flags.debug)

	labels := detections.COCOLabels
	if cfg.Model.LabelsPath != "" {
		labels, err = detections.LoadLabels(cfg.Model.LabelsPath)
		if err != nil {
			return nil, err
		}
	}

	backend := cfg.InferenceConfig(len(labels))
	cache := modelcache.New(cfg.Model.Path, func(ctx context.Context) (models.Model, error) {
		return inference.Load(ctx, backend, logger)
	}, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		labels:   labels,
		cache:    cache,
		pipeline: detections.NewPipeline(cache, cfg.DetectOptions(labels), logger),
		canvas:   render.NewCanvas(render.DefaultStyle()),
	}, nil
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var opts config.Options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP detection service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(flags, opts)
			if err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "Listen address (overrides http.addr)")
	cmd.Flags().StringVar(&opts.ModelPath, "model", "", "Path to the ONNX model (overrides model.path)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Log level (overrides log_level)")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close model")
		}
	}()

	src, err := capture.New(a.cfg.CaptureSource(), a.logger)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Live capture disabled")
		src = capture.Unavailable(err)
	}

	sched := scheduler.New(a.pipeline, src, a.canvas, scheduler.Options{
		Period: a.cfg.Scheduler.Period,
		Loader: a.cache,
	}, a.logger)
	defer func() { _ = sched.Stop() }()

	state := NewAppState(a.cache, a.pipeline, a.canvas, sched, a.logger)
	state.RetryAttempts = a.cfg.Detect.RetryAttempts
	state.RetryDelay = a.cfg.Detect.RetryDelay

	go func() {
		a.logger.Info().Msg(MsgModelLoading)
		if _, err := a.cache.Get(ctx); err != nil {
			a.logger.Error().Err(err).Msg(modelErrorMessage(err))
			return
		}
		a.logger.Info().Msg(MsgModelLoaded)
	}()

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         a.cfg.HTTP.Addr,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newDetectCmd(flags *globalFlags) *cobra.Command {
	var output string
	var opts config.Options

	cmd := &cobra.Command{
		Use:   "detect <image>",
		Short: "Run detection on one image and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags, opts)
			if err != nil {
				return err
			}
			defer a.cache.Close()
			return a.detectFile(cmd.Context(), args[0], output, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the annotated image to this path")
	cmd.Flags().StringVar(&opts.ModelPath, "model", "", "Path to the ONNX model (overrides model.path)")
	return cmd
}

func (a *app) detectFile(ctx context.Context, path, output string, out io.Writer) error {
	start := time.Now()
	timings := &models.ProcessingTimings{RequestID: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	decodeStart := time.Now()
	frame, err := capture.DecodeFrame(data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return err
	}

	if _, err := a.cache.Get(ctx); err != nil {
		return errors.New(modelErrorMessage(err))
	}

	dets, err := a.pipeline.DetectWithRetry(ctx, frame, timings, a.cfg.Detect.RetryAttempts, a.cfg.Detect.RetryDelay)
	if err != nil {
		return errors.New(imageErrorMessage(err))
	}
	timings.Total = time.Since(start)
	logTimings(a.logger, timings)

	if output != "" {
		if err := imaging.Save(a.canvas.Annotate(frame.Image, dets), output); err != nil {
			return fmt.Errorf("save annotated image: %w", err)
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(DetectResponse{
		RequestID:  timings.RequestID,
		Count:      len(dets),
		Detections: dets,
		Message:    imageResultMessage(timings.Inference, len(dets)),
		Timings:    timings,
	})
}
