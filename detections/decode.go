package detections

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/Tutortoise/object-detection-service/models"
)

const decodeChunkSize = 512

// Decoder turns a raw (1, 4+C, N) prediction into N candidates. Channel c of
// slot i lives at Data[c*N+i]; the decoder reads it per slot, which is the
// (1, N, 4+C) transpose without materialising it.
type Decoder struct {
	NumClasses int
}

func (d Decoder) Decode(raw *models.RawPrediction) ([]models.Candidate, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	channels := int64(boxChannels + d.NumClasses)
	if len(raw.Shape) != 3 || raw.Shape[0] != 1 || raw.Shape[1] != channels || d.NumClasses <= 0 {
		return nil, fmt.Errorf("%w: got shape %v, want (1, %d, N)", models.ErrMalformedOutput, raw.Shape, channels)
	}

	n := int(raw.Shape[2])
	candidates := make([]models.Candidate, n)
	if n == 0 {
		return candidates, nil
	}

	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for start := range jobs {
				end := min(start+decodeChunkSize, n)
				for i := start; i < end; i++ {
					candidates[i] = d.candidate(raw.Data, n, i)
				}
			}
		}()
	}

	for i := 0; i < n; i += decodeChunkSize {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return candidates, nil
}

func (d Decoder) candidate(data []float32, n, i int) models.Candidate {
	xc := float64(data[i])
	yc := float64(data[n+i])
	w := float64(data[2*n+i])
	h := float64(data[3*n+i])

	// argmax, first index wins ties
	best, score := 0, data[boxChannels*n+i]
	for c := 1; c < d.NumClasses; c++ {
		if v := data[(boxChannels+c)*n+i]; v > score {
			best, score = c, v
		}
	}

	return models.Candidate{
		Box:     models.Rect{X: xc - w/2, Y: yc - h/2, W: w, H: h},
		Score:   score,
		ClassID: best,
	}
}
