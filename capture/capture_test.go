package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/object-detection-service/models"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	img, err := Decode(encodePNG(t, solid(32, 16, color.White)))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())

	_, err = Decode([]byte("definitely not an image"))
	assert.ErrorIs(t, err, models.ErrDecode)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, models.ErrDecode)
}

func TestDecodeFrame(t *testing.T) {
	frame, err := DecodeFrame(encodeJPEG(t, solid(20, 10, color.Black)))
	require.NoError(t, err)
	assert.Equal(t, 20, frame.Width())
	assert.Equal(t, 10, frame.Height())
	assert.False(t, frame.Captured.IsZero())
}

func TestStill(t *testing.T) {
	src := solid(4, 4, color.White)
	still := NewStill(src)

	_, err := still.CurrentFrame(context.Background())
	assert.ErrorIs(t, err, models.ErrCaptureUnavailable)

	require.NoError(t, still.Acquire(context.Background()))

	// the source copy is independent of the caller's image
	src.Set(0, 0, color.Black)

	f1, err := still.CurrentFrame(context.Background())
	require.NoError(t, err)
	f2, err := still.CurrentFrame(context.Background())
	require.NoError(t, err)

	r, _, _, _ := f1.Image.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint64(1), f1.Seq)
	assert.Equal(t, uint64(2), f2.Seq)

	require.NoError(t, still.Release())
	_, err = still.CurrentFrame(context.Background())
	assert.ErrorIs(t, err, models.ErrCaptureUnavailable)
}

func TestStillFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, solid(8, 6, color.White)), 0o644))

	still := NewStillFile(path)
	require.NoError(t, still.Acquire(context.Background()))
	f, err := still.CurrentFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, f.Width())

	missing := NewStillFile(filepath.Join(t.TempDir(), "nope.png"))
	assert.ErrorIs(t, missing.Acquire(context.Background()), models.ErrCaptureUnavailable)
}

func TestDirectoryCycles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), encodePNG(t, solid(2, 2, color.White)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), encodePNG(t, solid(1, 1, color.White)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	d := NewDirectory(dir, zerolog.Nop())
	require.NoError(t, d.Acquire(context.Background()))

	var widths []int
	for i := 0; i < 3; i++ {
		f, err := d.CurrentFrame(context.Background())
		require.NoError(t, err)
		widths = append(widths, f.Width())
	}
	assert.Equal(t, []int{1, 2, 1}, widths)

	require.NoError(t, d.Release())
	_, err := d.CurrentFrame(context.Background())
	assert.ErrorIs(t, err, models.ErrCaptureUnavailable)
}

func TestDirectoryWithoutImages(t *testing.T) {
	d := NewDirectory(t.TempDir(), zerolog.Nop())
	assert.ErrorIs(t, d.Acquire(context.Background()), models.ErrCaptureUnavailable)
}

func TestSnapshot(t *testing.T) {
	body := encodeJPEG(t, solid(16, 12, color.White))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	s := NewSnapshot(srv.URL, time.Second, zerolog.Nop())
	_, err := s.CurrentFrame(context.Background())
	assert.ErrorIs(t, err, models.ErrCaptureUnavailable)

	require.NoError(t, s.Acquire(context.Background()))
	f, err := s.CurrentFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, f.Width())
	assert.Equal(t, 12, f.Height())
	require.NoError(t, s.Release())
}

func TestSnapshotFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "busy", http.StatusServiceUnavailable)
			},
			want: models.ErrCaptureUnavailable,
		},
		{
			name: "not an image",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>login required</html>"))
			},
			want: models.ErrDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			s := NewSnapshot(srv.URL, time.Second, zerolog.Nop())
			assert.ErrorIs(t, s.Acquire(context.Background()), tt.want)
		})
	}
}

func TestNew(t *testing.T) {
	src, err := New(Config{Kind: KindDirectory, Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Directory{}, src)

	src, err = New(Config{Kind: KindSnapshot, URL: "http://camera.local/snapshot.jpg"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Snapshot{}, src)

	_, err = New(Config{Kind: KindSnapshot}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{Kind: "rtsp"}, zerolog.Nop())
	assert.Error(t, err)

	k, err := ParseKind("Still")
	require.NoError(t, err)
	assert.Equal(t, KindStill, k)
}

func TestUnavailable(t *testing.T) {
	src := Unavailable(assert.AnError)
	err := src.Acquire(context.Background())
	assert.ErrorIs(t, err, models.ErrCaptureUnavailable)
	assert.ErrorContains(t, err, assert.AnError.Error())
	assert.NoError(t, src.Release())
}
