package detections

import (
	"math"
	"sort"

	"github.com/Tutortoise/object-detection-service/models"
)

// Suppressor is greedy non-max suppression over decoded candidates.
//
// Suppression is class-agnostic unless PerClass is set: a high scoring box
// removes any lower scoring overlapping box regardless of its class.
type Suppressor struct {
	ScoreThreshold float64
	IoUThreshold   float64
	// MaxOutputs caps the number of kept boxes; zero or negative keeps all.
	MaxOutputs int
	PerClass   bool
}

// Suppress returns indices into candidates of the kept boxes, highest score
// first. Equal scores keep their input order.
func (s Suppressor) Suppress(candidates []models.Candidate) []int {
	order := make([]int, 0, len(candidates))
	for i, c := range candidates {
		if float64(c.Score) >= s.ScoreThreshold {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].Score > candidates[order[b]].Score
	})

	kept := make([]int, 0, min(len(order), 64))
	suppressed := make([]bool, len(order))

	for i, idx := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, idx)
		if s.MaxOutputs > 0 && len(kept) >= s.MaxOutputs {
			break
		}

		best := candidates[idx]
		for j := i + 1; j < len(order); j++ {
			if suppressed[j] {
				continue
			}
			other := candidates[order[j]]
			if s.PerClass && other.ClassID != best.ClassID {
				continue
			}
			if IoU(best.Box, other.Box) > s.IoUThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

// Suppress runs class-agnostic greedy NMS with explicit thresholds.
func Suppress(candidates []models.Candidate, scoreThreshold, iouThreshold float64, maxOutputs int) []int {
	return Suppressor{
		ScoreThreshold: scoreThreshold,
		IoUThreshold:   iouThreshold,
		MaxOutputs:     maxOutputs,
	}.Suppress(candidates)
}

// IoU is intersection over union of two top-left boxes. Disjoint or touching
// boxes, and boxes with no area, give zero.
func IoU(a, b models.Rect) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.X+a.W, b.X+b.W)
	y2 := math.Min(a.Y+a.H, b.Y+b.H)

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}
