package lanes

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-lanes/curve"
)

// lane builds a lane on the y grid 10, 20, 30, ... from x values.
func lane(xs ...float32) Lane {
	l := Lane{Points: make([]Point, len(xs))}
	for i, x := range xs {
		l.Points[i] = Point{X: x, Y: float32(10 * (i + 1))}
	}
	return l
}

func TestNewPredictions(t *testing.T) {
	logits := []float32{0.1, 0.2, 0.3, 0.4}
	curves := make([]float32, 4*CurveFields)
	for i := range curves {
		curves[i] = float32(i)
	}

	p, err := NewPredictions(2, 2, logits, curves)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Batch())
	assert.Equal(t, 2, p.Slots())

	s := p.Slot(1, 0)
	assert.Equal(t, float32(0.3), s.Logit)
	assert.Equal(t, float32(16), s.Lower)
	assert.Equal(t, float32(17), s.Upper)
	assert.Equal(t, curve.Coefficients{18, 19, 20, 21, 22, 23}, s.Coefficients)

	all := p.All()
	require.Len(t, all, 4)
	assert.Equal(t, s, all[2])
}

func TestNewPredictionsShapeMismatch(t *testing.T) {
	_, err := NewPredictions(2, 2, make([]float32, 3), make([]float32, 4*CurveFields))
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = NewPredictions(2, 2, make([]float32, 4), make([]float32, 4))
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = NewPredictions(0, 2, nil, nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestPredictionsFromTensors(t *testing.T) {
	logits := tensor.New(tensor.WithShape(1, 2, 1), tensor.WithBacking([]float32{1, -1}))
	curves := tensor.New(tensor.WithShape(1, 2, CurveFields), tensor.WithBacking(make([]float32, 2*CurveFields)))

	p, err := PredictionsFromTensors(logits, curves)
	require.NoError(t, err)
	assert.Equal(t, float32(-1), p.Slot(0, 1).Logit)

	bad := tensor.New(tensor.WithShape(1, 2, 3), tensor.WithBacking(make([]float32, 6)))
	_, err = PredictionsFromTensors(logits, bad)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	f64 := tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float64{1, 2}))
	_, err = PredictionsFromTensors(f64, curves)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestSizesAndFlatten(t *testing.T) {
	targets := []Target{
		{Lanes: []Lane{lane(1), lane(2)}},
		{},
		{Lanes: []Lane{lane(3)}},
	}

	assert.Equal(t, []int{2, 0, 1}, Sizes(targets))

	flat := Flatten(targets)
	require.Len(t, flat, 3)
	assert.Equal(t, float32(3), flat[2].Points[0].X)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Point{X: 1, Y: 10}))
	assert.False(t, Valid(Point{X: Sentinel, Y: 10}))
	assert.False(t, Valid(Point{X: 0, Y: 10}))
	assert.False(t, Valid(Point{X: math32.NaN(), Y: 10}))
	assert.False(t, Valid(Point{X: math32.Inf(1), Y: 10}))
}

func TestNormalize(t *testing.T) {
	lanes := []Lane{
		lane(4, 6, 5, 7),
		lane(50, Sentinel, Sentinel, Sentinel),
		lane(Sentinel, 8, 9, Sentinel),
	}

	weights, valid, err := Normalize(lanes)
	require.NoError(t, err)
	require.Len(t, weights, 3)

	assert.Equal(t, []bool{true, true, true, true}, valid[0])
	assert.Equal(t, []bool{true, false, false, false}, valid[1])
	assert.Equal(t, []bool{false, true, true, false}, valid[2])

	// Raw weights: sqrt(7/4), sqrt(7/1), sqrt(7/2); the single-point lane is the maximum.
	assert.Equal(t, float32(1), weights[1])
	assert.InDelta(t, 0.5, weights[0], 1e-6)
	assert.InDelta(t, math32.Sqrt(0.5), weights[2], 1e-6)

	for _, w := range weights {
		assert.Greater(t, w, float32(0))
		assert.LessOrEqual(t, w, float32(1))
	}
}

func TestNormalizeEqualCounts(t *testing.T) {
	weights, _, err := Normalize([]Lane{lane(1, 2), lane(3, 4)})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1}, weights)
}

func TestNormalizeRejectsEmptyLane(t *testing.T) {
	_, _, err := Normalize([]Lane{lane(1, 2), lane(Sentinel, Sentinel)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoValidPoints))
	assert.Contains(t, err.Error(), "lane 1")
}

func TestCheckGrid(t *testing.T) {
	ys, err := CheckGrid([]Lane{lane(1, 2, 3), lane(4, 5, 6)})
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 20, 30}, ys)

	ys, err = CheckGrid(nil)
	require.NoError(t, err)
	assert.Nil(t, ys)

	_, err = CheckGrid([]Lane{lane(1, 2, 3), lane(4, 5)})
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	shifted := lane(4, 5, 6)
	shifted.Points[2].Y = 35
	_, err = CheckGrid([]Lane{lane(1, 2, 3), shifted})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}
