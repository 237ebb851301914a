package detections

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/object-detection-service/models"
)

func solidFrame(w, h int, c color.Color) *models.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return &models.Frame{Image: img}
}

// at reads channel c of pixel (x, y) from an NHWC tensor.
func at(t *models.Tensor, x, y, c int) float32 {
	w := int(t.Shape[2])
	return t.Data[(y*w+x)*3+c]
}

func TestPrepareSquareFrame(t *testing.T) {
	p := NewPreprocessor(64, 64)
	tensor, tr, err := p.Prepare(solidFrame(64, 64, color.RGBA{R: 255, G: 0, B: 51, A: 255}))
	require.NoError(t, err)
	defer tensor.Release()

	assert.Equal(t, []int64{1, 64, 64, 3}, tensor.Shape)
	assert.Len(t, tensor.Data, 64*64*3)
	assert.Equal(t, 1.0, tr.Scale)

	for _, pt := range [][2]int{{0, 0}, {31, 17}, {63, 63}} {
		assert.InDelta(t, 1.0, at(tensor, pt[0], pt[1], 0), 0.01)
		assert.InDelta(t, 0.0, at(tensor, pt[0], pt[1], 1), 0.01)
		assert.InDelta(t, 0.2, at(tensor, pt[0], pt[1], 2), 0.01)
	}
}

func TestPrepareLetterboxPadding(t *testing.T) {
	p := NewPreprocessor(640, 640)
	tensor, tr, err := p.Prepare(solidFrame(1280, 720, color.White))
	require.NoError(t, err)
	defer tensor.Release()

	assert.Equal(t, 0.5, tr.Scale)
	assert.Equal(t, 160.0, tr.OffsetY)

	// padding bands above and below the content are black
	for _, y := range []int{0, 80, 159, 520, 639} {
		for c := 0; c < 3; c++ {
			assert.Equal(t, float32(0), at(tensor, 320, y, c), "row %d", y)
		}
	}
	for _, y := range []int{160, 320, 519} {
		for c := 0; c < 3; c++ {
			assert.InDelta(t, 1.0, at(tensor, 320, y, c), 0.01, "row %d", y)
		}
	}
}

func TestPrepareDoesNotMutateFrame(t *testing.T) {
	frame := solidFrame(300, 200, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	before := append([]uint8(nil), frame.Image.(*image.RGBA).Pix...)

	p := NewPreprocessor(128, 128)
	tensor, _, err := p.Prepare(frame)
	require.NoError(t, err)
	tensor.Release()

	assert.Equal(t, before, frame.Image.(*image.RGBA).Pix)
}

func TestPrepareReusesBuffers(t *testing.T) {
	p := NewPreprocessor(32, 32)

	first, _, err := p.Prepare(solidFrame(32, 32, color.White))
	require.NoError(t, err)
	first.Release()
	assert.Nil(t, first.Data)

	// a black frame after a white one must not see stale canvas pixels
	second, _, err := p.Prepare(solidFrame(16, 32, color.Black))
	require.NoError(t, err)
	defer second.Release()
	for i, v := range second.Data {
		require.Equal(t, float32(0), v, "index %d", i)
	}
}

func TestPrepareDegenerate(t *testing.T) {
	p := NewPreprocessor(32, 32)

	_, _, err := p.Prepare(nil)
	assert.ErrorIs(t, err, models.ErrDegenerateInput)

	_, _, err = p.Prepare(&models.Frame{Image: image.NewRGBA(image.Rect(0, 0, 0, 10))})
	assert.ErrorIs(t, err, models.ErrDegenerateInput)
}
