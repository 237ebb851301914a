package detections

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	xdraw "golang.org/x/image/draw"

	"github.com/Tutortoise/object-detection-service/geometry"
	"github.com/Tutortoise/object-detection-service/models"
)

// unit maps an 8-bit channel value to [0,1].
var unit = func() (t [256]float32) {
	for i := range t {
		t[i] = float32(i) / 255.0
	}
	return t
}()

// Preprocessor letterboxes frames into a fixed-size NHWC float32 tensor.
// Scratch canvases and tensor buffers are pooled so the streaming path does
// not allocate per frame.
type Preprocessor struct {
	width, height int
	numWorkers    int
	canvases      sync.Pool
	tensors       *models.TensorPool
}

func NewPreprocessor(width, height int) *Preprocessor {
	p := &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: runtime.GOMAXPROCS(0),
		tensors:    models.NewTensorPool(width * height * 3),
	}
	p.canvases.New = func() interface{} {
		return image.NewRGBA(image.Rect(0, 0, width, height))
	}
	if p.numWorkers > height {
		p.numWorkers = height
	}
	if p.numWorkers < 1 {
		p.numWorkers = 1
	}
	return p
}

// Size returns the target canvas size.
func (p *Preprocessor) Size() (width, height int) {
	return p.width, p.height
}

// Prepare draws frame scaled by the letterbox transform onto a black canvas
// and returns it as a (1, height, width, 3) tensor. The caller owns the tensor
// and must Release it. The frame is not modified.
func (p *Preprocessor) Prepare(frame *models.Frame) (*models.Tensor, geometry.Transform, error) {
	if frame == nil || frame.Image == nil {
		return nil, geometry.Transform{}, fmt.Errorf("%w: empty frame", models.ErrDegenerateInput)
	}
	srcW, srcH := frame.Width(), frame.Height()
	tr, err := geometry.Compute(srcW, srcH, p.width, p.height)
	if err != nil {
		return nil, geometry.Transform{}, err
	}

	canvas := p.canvases.Get().(*image.RGBA)
	defer p.canvases.Put(canvas)

	clear(canvas.Pix)
	content := tr.Content(srcW, srcH).Image().Intersect(canvas.Bounds())
	if !content.Empty() {
		xdraw.BiLinear.Scale(canvas, content, frame.Image, frame.Image.Bounds(), xdraw.Src, nil)
	}

	tensor, err := p.tensors.Get(1, int64(p.height), int64(p.width), 3)
	if err != nil {
		return nil, geometry.Transform{}, err
	}
	p.fill(canvas, tensor.Data)
	return tensor, tr, nil
}

// fill converts canvas rows to normalized RGB, splitting rows across workers.
func (p *Preprocessor) fill(canvas *image.RGBA, dst []float32) {
	rowsPerWorker := p.height / p.numWorkers

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := canvas.Pix[y*canvas.Stride : y*canvas.Stride+p.width*4]
				out := dst[y*p.width*3 : (y+1)*p.width*3]
				for x := 0; x < p.width; x++ {
					out[x*3] = unit[src[x*4]]
					out[x*3+1] = unit[src[x*4+1]]
					out[x*3+2] = unit[src[x*4+2]]
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
