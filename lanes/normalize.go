package lanes

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Sentinel is the x value marking a grid row without an observation.
const Sentinel float32 = -2

// ErrNoValidPoints is returned when a ground-truth lane has no observed sample.
var ErrNoValidPoints = errors.New("lane has no valid points")

// Valid reports whether p is a real observation rather than filler.
func Valid(p Point) bool {
	return p.X > 0 && !math32.IsInf(p.X, 0)
}

// CheckGrid verifies that every lane is sampled on the same vertical grid.
//
// Arguments:
//   - lanes: The lanes of a batch.
//
// Returns:
//   - []float32: The shared sample ys, nil when lanes is empty.
//   - error: ErrShapeMismatch naming the first lane that disagrees with lane 0.
func CheckGrid(lanes []Lane) ([]float32, error) {
	if len(lanes) == 0 {
		return nil, nil
	}

	ys := make([]float32, len(lanes[0].Points))
	for i, p := range lanes[0].Points {
		ys[i] = p.Y
	}

	for l, lane := range lanes[1:] {
		if len(lane.Points) != len(ys) {
			return nil, errors.Wrapf(ErrShapeMismatch, "lane %d has %d points, lane 0 has %d", l+1, len(lane.Points), len(ys))
		}
		for i, p := range lane.Points {
			if p.Y != ys[i] {
				return nil, errors.Wrapf(ErrShapeMismatch, "lane %d point %d at y=%v, grid has y=%v", l+1, i, p.Y, ys[i])
			}
		}
	}

	return ys, nil
}

// Normalize computes the validity mask and normalization weight of every lane in a batch.
//
// Lanes with few visible points would otherwise produce disproportionately large
// per-point errors. The weight of a lane is sqrt(valid points in batch / valid
// points in lane), divided by the largest weight of the batch.
//
// Arguments:
//   - lanes: All ground-truth lanes of the batch.
//
// Returns:
//   - []float32: One weight per lane in (0, 1].
//   - [][]bool: Per-lane, per-point validity.
//   - error: ErrNoValidPoints wrapped with the lane index when a lane is empty.
func Normalize(lanes []Lane) ([]float32, [][]bool, error) {
	valid := make([][]bool, len(lanes))
	counts := make([]int, len(lanes))
	var total int

	for l, lane := range lanes {
		mask := make([]bool, len(lane.Points))
		for i, p := range lane.Points {
			if Valid(p) {
				mask[i] = true
				counts[l]++
			}
		}
		if counts[l] == 0 {
			return nil, nil, errors.Wrapf(ErrNoValidPoints, "lane %d", l)
		}
		valid[l] = mask
		total += counts[l]
	}

	weights := make([]float32, len(lanes))
	var maxWeight float32
	for l, n := range counts {
		weights[l] = math32.Sqrt(float32(total) / float32(n))
		if weights[l] > maxWeight {
			maxWeight = weights[l]
		}
	}
	for l := range weights {
		weights[l] /= maxWeight
	}

	return weights, valid, nil
}
