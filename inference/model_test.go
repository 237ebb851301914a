package inference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyInputLayouts(t *testing.T) {
	// 2 pixels, NHWC: (r0 g0 b0) (r1 g1 b1)
	src := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}

	nhwc := make([]float32, 6)
	copyInput(nhwc, src, LayoutNHWC, 2)
	assert.Equal(t, src, nhwc)

	nchw := make([]float32, 6)
	copyInput(nchw, src, LayoutNCHW, 2)
	assert.Equal(t, []float32{0.1, 0.4, 0.2, 0.5, 0.3, 0.6}, nchw)
}

func TestConfigShapes(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []int64{1, 3, 640, 640}, cfg.inputShape())
	assert.Equal(t, []int64{1, 84, 8400}, cfg.outputShape())

	cfg.InputLayout = LayoutNHWC
	cfg.InputWidth = 320
	assert.Equal(t, []int64{1, 640, 320, 3}, cfg.inputShape())
}

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout("NCHW")
	require.NoError(t, err)
	assert.Equal(t, LayoutNCHW, l)

	l, err = ParseLayout("nhwc")
	require.NoError(t, err)
	assert.Equal(t, LayoutNHWC, l)

	_, err = ParseLayout("chw")
	assert.ErrorIs(t, err, errUnknownLayout)
}

func TestResolveLibrary(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, libraryName())
	require.NoError(t, os.WriteFile(lib, []byte("stub"), 0o644))

	got, err := ResolveLibrary(lib)
	require.NoError(t, err)
	assert.Equal(t, lib, got)

	_, err = ResolveLibrary(filepath.Join(dir, "missing.so"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
