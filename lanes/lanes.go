// Package lanes - Lane slot predictions, ground-truth lanes and their per-batch normalization.
package lanes

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-lanes/curve"
)

// CurveFields is the number of values predicted per slot besides the logit:
// lower bound, upper bound and the curve coefficients.
const CurveFields = 2 + curve.NumCoefficients

// ErrShapeMismatch is returned when predictions or targets do not have the expected layout.
var ErrShapeMismatch = errors.New("shape mismatch")

// Point is one sample of a ground-truth lane.
type Point struct {
	X float32 `json:"x" yaml:"x"`
	Y float32 `json:"y" yaml:"y"`
}

// Lane is a ground-truth lane sampled on the fixed vertical grid.
type Lane struct {
	// Points holds one sample per grid row; rows without an observation carry Sentinel as X.
	Points []Point `json:"points" yaml:"points"`
	// Lower is the vertical bound nearest to the camera (largest y).
	Lower float32 `json:"lower" yaml:"lower"`
	// Upper is the vertical bound furthest from the camera (smallest y).
	Upper float32 `json:"upper" yaml:"upper"`
	// Label is the lane class.
	Label int `json:"label" yaml:"label"`
}

// Target holds the ground-truth lanes of one image.
type Target struct {
	Lanes []Lane `json:"lanes" yaml:"lanes"`
}

// Sizes returns the number of lanes of every image.
func Sizes(targets []Target) []int {
	sizes := make([]int, len(targets))
	for i, t := range targets {
		sizes[i] = len(t.Lanes)
	}
	return sizes
}

// Flatten concatenates the lanes of every image in batch order.
func Flatten(targets []Target) []Lane {
	var n int
	for _, t := range targets {
		n += len(t.Lanes)
	}
	out := make([]Lane, 0, n)
	for _, t := range targets {
		out = append(out, t.Lanes...)
	}
	return out
}

// Slot is one lane prediction.
type Slot struct {
	Logit        float32            `json:"logit"`
	Lower        float32            `json:"lower"`
	Upper        float32            `json:"upper"`
	Coefficients curve.Coefficients `json:"coefficients"`
}

// Predictions holds the network output for a batch: logits (B, Q) and curves (B, Q, CurveFields).
type Predictions struct {
	logits *tensor.Dense
	curves *tensor.Dense
}

// NewPredictions wraps flat row-major buffers as batch predictions.
//
// Arguments:
//   - batch: Number of images (B).
//   - slots: Number of lane slots per image (Q).
//   - logits: B·Q objectness logits.
//   - curves: B·Q·CurveFields values laid out as lower, upper, k, f, m, n, b₁, b₂.
//
// Returns:
//   - *Predictions: The wrapped predictions. The buffers are not copied.
//   - error: ErrShapeMismatch if a buffer has the wrong length.
func NewPredictions(batch, slots int, logits, curves []float32) (*Predictions, error) {
	if batch <= 0 || slots <= 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "batch and slots must be positive, got %dx%d", batch, slots)
	}
	if len(logits) != batch*slots {
		return nil, errors.Wrapf(ErrShapeMismatch, "logits: want %d values, got %d", batch*slots, len(logits))
	}
	if len(curves) != batch*slots*CurveFields {
		return nil, errors.Wrapf(ErrShapeMismatch, "curves: want %d values, got %d", batch*slots*CurveFields, len(curves))
	}

	return &Predictions{
		logits: tensor.New(tensor.WithShape(batch, slots), tensor.WithBacking(logits)),
		curves: tensor.New(tensor.WithShape(batch, slots, CurveFields), tensor.WithBacking(curves)),
	}, nil
}

// PredictionsFromTensors copies network output tensors into Predictions.
//
// The logits may be shaped (B, Q) or (B, Q, 1); the curves must be (B, Q, CurveFields).
// Both tensors must hold float32 values.
func PredictionsFromTensors(logits, curves tensor.Tensor) (*Predictions, error) {
	ls := logits.Shape()
	cs := curves.Shape()
	if len(cs) != 3 || cs[2] != CurveFields {
		return nil, errors.Wrapf(ErrShapeMismatch, "curves shape %v, want (B, Q, %d)", cs, CurveFields)
	}
	switch {
	case len(ls) == 2:
	case len(ls) == 3 && ls[2] == 1:
	default:
		return nil, errors.Wrapf(ErrShapeMismatch, "logits shape %v, want (B, Q)", ls)
	}
	if ls[0] != cs[0] || ls[1] != cs[1] {
		return nil, errors.Wrapf(ErrShapeMismatch, "logits %v and curves %v disagree on (B, Q)", ls, cs)
	}

	lf, ok := logits.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "logits dtype %v, want float32", logits.Dtype())
	}
	cf, ok := curves.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "curves dtype %v, want float32", curves.Dtype())
	}

	return NewPredictions(cs[0], cs[1], append([]float32(nil), lf...), append([]float32(nil), cf...))
}

// Batch returns the number of images.
func (p *Predictions) Batch() int { return p.logits.Shape()[0] }

// Slots returns the number of slots per image.
func (p *Predictions) Slots() int { return p.logits.Shape()[1] }

// Logits returns the (B, Q) logit tensor.
func (p *Predictions) Logits() *tensor.Dense { return p.logits }

// Curves returns the (B, Q, CurveFields) curve tensor.
func (p *Predictions) Curves() *tensor.Dense { return p.curves }

// Slot returns slot q of image b.
func (p *Predictions) Slot(b, q int) Slot {
	i := b*p.Slots() + q
	logits := p.logits.Data().([]float32)
	row := p.curves.Data().([]float32)[i*CurveFields : (i+1)*CurveFields]

	s := Slot{Logit: logits[i], Lower: row[0], Upper: row[1]}
	copy(s.Coefficients[:], row[2:])
	return s
}

// All returns every slot of the batch, image-major.
func (p *Predictions) All() []Slot {
	out := make([]Slot, 0, p.Batch()*p.Slots())
	for b := 0; b < p.Batch(); b++ {
		for q := 0; q < p.Slots(); q++ {
			out = append(out, p.Slot(b, q))
		}
	}
	return out
}
