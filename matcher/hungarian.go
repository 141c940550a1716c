package matcher

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Pair is one slot matched to one ground-truth lane of the same image.
type Pair struct {
	Slot int `json:"slot"`
	Lane int `json:"lane"`
}

// SolveBlock finds the minimum-cost one-to-one assignment of the rows (slots)
// of block to its columns (lanes).
//
// It runs Kuhn-Munkres with row and column potentials (the Jonker-Volgenant
// shortest augmenting path form) on the block padded to a square, which is
// exact in O(n³). Ties resolve the same way for identical input.
//
// Arguments:
//   - block: A Q×L cost block; non-finite entries are never chosen.
//
// Returns:
//   - []Pair: Matched pairs sorted by slot index.
//   - []int: Lanes left without a slot, sorted. Non-empty only when L > Q or a
//     lane has no finite cost against any free slot.
func SolveBlock(block mat.Matrix) ([]Pair, []int) {
	if block == nil {
		return []Pair{}, nil
	}
	n, m := block.Dims()
	if n == 0 || m == 0 {
		dropped := make([]int, m)
		for j := range dropped {
			dropped[j] = j
		}
		return []Pair{}, dropped
	}

	dim := n
	if m > dim {
		dim = m
	}

	// Padding rows and columns cost nothing, so they never change which real
	// pairs are optimal. Non-finite entries get a cost larger than any complete
	// assignment of finite entries.
	allowed := make([][]bool, n)
	var largest float64
	for i := 0; i < n; i++ {
		allowed[i] = make([]bool, m)
		for j := 0; j < m; j++ {
			if x := block.At(i, j); !math.IsNaN(x) && !math.IsInf(x, 0) {
				allowed[i][j] = true
				largest = math.Max(largest, math.Abs(x))
			}
		}
	}
	forbidden := (largest + 1) * float64(2*dim+1)

	c := make([][]float64, dim)
	for i := 0; i < dim; i++ {
		c[i] = make([]float64, dim)
		if i >= n {
			continue
		}
		for j := 0; j < m; j++ {
			if allowed[i][j] {
				c[i][j] = block.At(i, j)
			} else {
				c[i][j] = forbidden
			}
		}
	}

	// 1-indexed internally; index 0 is the virtual column.
	const inf = math.MaxFloat64 / 2

	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1)
	way := make([]int, dim+1)
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0

		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}

			if j1 < 0 {
				break
			}

			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	pairs := make([]Pair, 0, m)
	matched := make([]bool, m)
	for j := 1; j <= m; j++ {
		row := p[j] - 1
		if row < 0 || row >= n || !allowed[row][j-1] {
			continue
		}
		pairs = append(pairs, Pair{Slot: row, Lane: j - 1})
		matched[j-1] = true
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].Slot < pairs[b].Slot })

	var dropped []int
	for j, ok := range matched {
		if !ok {
			dropped = append(dropped, j)
		}
	}

	return pairs, dropped
}
