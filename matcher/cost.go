// Package matcher - Cost matrices and optimal slot-to-lane assignment.
package matcher

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/nvr-ai/go-lanes/config"
	"github.com/nvr-ai/go-lanes/curve"
	"github.com/nvr-ai/go-lanes/lanes"
)

// Costs is the dense all-pairs cost between every slot of a batch (rows, image-major)
// and every ground-truth lane of the batch (columns, batch order).
//
// Pairs from different images are computed too; only the per-image diagonal blocks
// take part in the assignment.
type Costs struct {
	// Total is the weighted sum of the four terms.
	Total *mat.Dense
	// Class is the negated objectness of the slot, identical across a row.
	Class *mat.Dense
	// Curve is the normalized, masked L1 distance between the slot curve and the lane points.
	Curve *mat.Dense
	// Lower is |slot lower - lane upper|.
	Lower *mat.Dense
	// Upper is |slot upper - lane lower|.
	Upper *mat.Dense
	// Sizes is the number of lanes per image, used to split the columns.
	Sizes []int
	// Slots is the number of slots per image, used to split the rows.
	Slots int
}

// Block returns the Q×Lᵢ total-cost block of image b, or nil when the image has no lanes.
func (c *Costs) Block(b int) mat.Matrix {
	if c.Total == nil || c.Sizes[b] == 0 {
		return nil
	}
	var offset int
	for _, n := range c.Sizes[:b] {
		offset += n
	}
	return c.Total.Slice(b*c.Slots, (b+1)*c.Slots, offset, offset+c.Sizes[b])
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// BuildCosts computes the cost matrix between all slots and all lanes of a batch.
//
// Arguments:
//   - preds: B×Q slot predictions.
//   - targets: One Target per image.
//   - weights: Scaling of the class, curve, lower and upper terms.
//
// Returns:
//   - *Costs: The cost matrices. When the batch has no lanes at all the matrices are nil.
//   - error: ErrShapeMismatch when the batch sizes or lane grids disagree,
//     lanes.ErrNoValidPoints when a lane has no observation.
//
// A pair whose curve term is not finite on a valid point gets +Inf as total cost.
func BuildCosts(preds *lanes.Predictions, targets []lanes.Target, weights config.Weights) (*Costs, error) {
	if preds.Batch() != len(targets) {
		return nil, errors.Wrapf(lanes.ErrShapeMismatch, "%d predicted images, %d targets", preds.Batch(), len(targets))
	}

	sizes := lanes.Sizes(targets)
	costs := &Costs{Sizes: sizes, Slots: preds.Slots()}

	gt := lanes.Flatten(targets)
	if len(gt) == 0 {
		return costs, nil
	}

	ys, err := lanes.CheckGrid(gt)
	if err != nil {
		return nil, err
	}
	norm, valid, err := lanes.Normalize(gt)
	if err != nil {
		return nil, err
	}

	slots := preds.All()
	coeffs := make([]curve.Coefficients, len(slots))
	for i, s := range slots {
		coeffs[i] = s.Coefficients
	}
	// Every lane shares the grid, so one projection per slot serves all columns.
	xs := curve.Project(coeffs, ys)

	rows, cols := len(slots), len(gt)
	costs.Class = mat.NewDense(rows, cols, nil)
	costs.Curve = mat.NewDense(rows, cols, nil)
	costs.Lower = mat.NewDense(rows, cols, nil)
	costs.Upper = mat.NewDense(rows, cols, nil)
	costs.Total = mat.NewDense(rows, cols, nil)

	for i, s := range slots {
		class := -float64(sigmoid(s.Logit))
		for j, lane := range gt {
			var sum float32
			for n, p := range lane.Points {
				if !valid[j][n] {
					continue
				}
				sum += math32.Abs(xs[i][n] - p.X)
			}
			curveCost := float64(sum * norm[j])
			lower := math.Abs(float64(s.Lower - lane.Upper))
			upper := math.Abs(float64(s.Upper - lane.Lower))

			total := float64(weights.Class)*class +
				float64(weights.Curve)*curveCost +
				float64(weights.Lower)*lower +
				float64(weights.Upper)*upper
			if math.IsNaN(total) || math.IsInf(total, 0) {
				total = math.Inf(1)
			}

			costs.Class.Set(i, j, class)
			costs.Curve.Set(i, j, curveCost)
			costs.Lower.Set(i, j, lower)
			costs.Upper.Set(i, j, upper)
			costs.Total.Set(i, j, total)
		}
	}

	return costs, nil
}
