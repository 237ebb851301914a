package detections

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/object-detection-service/models"
)

type staticSource struct {
	model models.Model
}

func (s staticSource) Handle() (models.Model, bool) {
	return s.model, s.model != nil
}

// blobFrame is a black frame with one white rectangle.
func blobFrame(w, h int, blob image.Rectangle) *models.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	draw.Draw(img, blob, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	return &models.Frame{Image: img}
}

// blobModel finds the bright region in the input tensor and reports it as one
// high-score "person" slot next to a low-score distractor.
func blobModel(t *testing.T) models.Model {
	return models.ModelFunc(func(_ context.Context, in *models.Tensor) (*models.RawPrediction, error) {
		require.Equal(t, []int64{1, InputHeight, InputWidth, 3}, in.Shape)

		minX, minY, maxX, maxY := InputWidth, InputHeight, -1, -1
		for y := 0; y < InputHeight; y++ {
			for x := 0; x < InputWidth; x++ {
				if in.Data[(y*InputWidth+x)*3] > 0.5 {
					minX, minY = min(minX, x), min(minY, y)
					maxX, maxY = max(maxX, x), max(maxY, y)
				}
			}
		}
		w, h := float32(maxX-minX+1), float32(maxY-minY+1)

		return rawPrediction(80,
			slot(float32(minX)+w/2, float32(minY)+h/2, w, h, 80, map[int]float32{0: 0.92}),
			slot(10, 10, 4, 4, 80, map[int]float32{3: 0.05}),
		), nil
	})
}

func assertBoxNear(t *testing.T, want image.Rectangle, got models.Rect) {
	t.Helper()
	assert.InDelta(t, float64(want.Min.X), got.X, 1)
	assert.InDelta(t, float64(want.Min.Y), got.Y, 1)
	assert.InDelta(t, float64(want.Dx()), got.W, 1)
	assert.InDelta(t, float64(want.Dy()), got.H, 1)
}

func TestDetectEndToEnd(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		blob          image.Rectangle
	}{
		{"square frame", 640, 640, image.Rect(200, 150, 300, 250)},
		{"letterboxed camera frame", 1280, 720, image.Rect(400, 300, 600, 500)},
		{"portrait upload", 480, 960, image.Rect(60, 600, 180, 780)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(staticSource{blobModel(t)}, DefaultOptions(), zerolog.Nop())
			timings := &models.ProcessingTimings{}

			dets, err := p.Detect(context.Background(), blobFrame(tt.width, tt.height, tt.blob), timings)
			require.NoError(t, err)
			require.Len(t, dets, 1)

			assert.Equal(t, "person", dets[0].Label)
			assert.Equal(t, 0, dets[0].ClassID)
			assertBoxNear(t, tt.blob, dets[0].Box)
			assert.Positive(t, timings.Preprocess)
		})
	}
}

func TestDetectModelNotReady(t *testing.T) {
	p := NewPipeline(staticSource{}, DefaultOptions(), zerolog.Nop())
	_, err := p.Detect(context.Background(), blobFrame(64, 64, image.Rect(1, 1, 2, 2)), nil)
	assert.ErrorIs(t, err, models.ErrModelNotReady)
}

func TestDetectWrapsModelFailure(t *testing.T) {
	boom := errors.New("webgl context lost")
	model := models.ModelFunc(func(context.Context, *models.Tensor) (*models.RawPrediction, error) {
		return nil, boom
	})
	p := NewPipeline(staticSource{model}, DefaultOptions(), zerolog.Nop())

	_, err := p.Detect(context.Background(), blobFrame(64, 64, image.Rect(1, 1, 2, 2)), nil)

	var inf *models.InferenceError
	require.ErrorAs(t, err, &inf)
	assert.ErrorIs(t, err, boom)
}

func TestDetectMalformedOutput(t *testing.T) {
	model := models.ModelFunc(func(context.Context, *models.Tensor) (*models.RawPrediction, error) {
		return &models.RawPrediction{Shape: []int64{1, 5, 1}, Data: make([]float32, 5)}, nil
	})
	p := NewPipeline(staticSource{model}, DefaultOptions(), zerolog.Nop())

	_, err := p.Detect(context.Background(), blobFrame(64, 64, image.Rect(1, 1, 2, 2)), nil)
	assert.ErrorIs(t, err, models.ErrMalformedOutput)
}

func TestDetectCustomLabels(t *testing.T) {
	model := models.ModelFunc(func(context.Context, *models.Tensor) (*models.RawPrediction, error) {
		return rawPrediction(2,
			slot(320, 320, 100, 100, 2, map[int]float32{1: 0.8}),
		), nil
	})
	opts := DefaultOptions()
	opts.Labels = Labels{"face", "hand"}
	p := NewPipeline(staticSource{model}, opts, zerolog.Nop())

	dets, err := p.Detect(context.Background(), blobFrame(640, 640, image.Rect(0, 0, 1, 1)), nil)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "hand", dets[0].Label)
	assert.Equal(t, models.Rect{X: 270, Y: 270, W: 100, H: 100}, dets[0].Box)
}

func TestDetectWithRetry(t *testing.T) {
	var calls atomic.Int32
	model := models.ModelFunc(func(context.Context, *models.Tensor) (*models.RawPrediction, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return rawPrediction(80), nil
	})
	p := NewPipeline(staticSource{model}, DefaultOptions(), zerolog.Nop())

	dets, err := p.DetectWithRetry(context.Background(), blobFrame(64, 64, image.Rect(1, 1, 2, 2)), nil, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDetectWithRetryStopsOnNonInferenceError(t *testing.T) {
	var calls atomic.Int32
	model := models.ModelFunc(func(context.Context, *models.Tensor) (*models.RawPrediction, error) {
		calls.Add(1)
		return &models.RawPrediction{Shape: []int64{1}, Data: []float32{0}}, nil
	})
	p := NewPipeline(staticSource{model}, DefaultOptions(), zerolog.Nop())

	_, err := p.DetectWithRetry(context.Background(), blobFrame(64, 64, image.Rect(1, 1, 2, 2)), nil, 3, time.Millisecond)
	assert.ErrorIs(t, err, models.ErrMalformedOutput)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLabelsName(t *testing.T) {
	assert.Equal(t, "person", COCOLabels.Name(0))
	assert.Equal(t, "toothbrush", COCOLabels.Name(79))
	assert.Equal(t, "80", COCOLabels.Name(80))
	assert.Equal(t, "-1", COCOLabels.Name(-1))
	assert.Len(t, COCOLabels, 80)
}
