// Package curve - Projective cubic lane curve model.
//
// A lane is modelled in the image plane as
//
//	x(y) = k/(y-f)² + m/(y-f) + n + b₁·y - b₂
//
// which stays well behaved towards the horizon under perspective projection.
package curve

import "github.com/chewxy/math32"

// NumCoefficients is the number of parameters of a lane curve.
const NumCoefficients = 6

// Coefficients are the curve parameters in the order k, f, m, n, b₁, b₂.
type Coefficients [NumCoefficients]float32

// X returns the horizontal position of the curve at y.
//
// When y equals f the result is ±Inf or NaN. The value is returned as is so
// that callers can mask it out for invalid samples or report it otherwise.
func (c Coefficients) X(y float32) float32 {
	d := y - c[1]
	return c[0]/(d*d) + c[2]/d + c[3] + c[4]*y - c[5]
}

// Singular reports whether any of ys hits the pole of the curve.
func (c Coefficients) Singular(ys []float32) bool {
	for _, y := range ys {
		if y == c[1] {
			return true
		}
	}
	return false
}

// Project evaluates every curve at a shared set of sample ys.
//
// Arguments:
//   - coeffs: K curves.
//   - ys: N vertical sample positions shared by all curves.
//
// Returns:
//   - [][]float32: K×N horizontal positions.
func Project(coeffs []Coefficients, ys []float32) [][]float32 {
	out := make([][]float32, len(coeffs))
	for i, c := range coeffs {
		row := make([]float32, len(ys))
		for j, y := range ys {
			row[j] = c.X(y)
		}
		out[i] = row
	}
	return out
}

// ProjectEach evaluates curve i at its own sample set ys[i].
// Curves without a sample set produce an empty row.
func ProjectEach(coeffs []Coefficients, ys [][]float32) [][]float32 {
	out := make([][]float32, len(coeffs))
	for i, c := range coeffs {
		if i >= len(ys) {
			out[i] = []float32{}
			continue
		}
		row := make([]float32, len(ys[i]))
		for j, y := range ys[i] {
			row[j] = c.X(y)
		}
		out[i] = row
	}
	return out
}

// Finite reports whether x is neither infinite nor NaN.
func Finite(x float32) bool {
	return !math32.IsNaN(x) && !math32.IsInf(x, 0)
}
