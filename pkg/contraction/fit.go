package contraction

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// quadraticEpsilon is the smallest |c| for which y = a + bx + cx² is treated
// as a parabola with a usable vertex.
const quadraticEpsilon = 1e-12

// Quadratic is a least-squares fit y = A + B·x + C·x² over a segment, with x
// measured in frames from the segment start.
type Quadratic struct {
	A, B, C float64
	Offset  int
}

// FitQuadratic fits a quadratic to signal[lo..hi] inclusive. It reports false
// when fewer than three samples are available or the system is singular.
func FitQuadratic(signal []float64, lo, hi int) (Quadratic, bool) {
	if lo < 0 || hi >= len(signal) || hi-lo+1 < 3 {
		return Quadratic{}, false
	}
	m := hi - lo + 1

	design := mat.NewDense(m, 3, nil)
	y := mat.NewVecDense(m, nil)
	for i := 0; i < m; i++ {
		x := float64(i)
		design.Set(i, 0, 1)
		design.Set(i, 1, x)
		design.Set(i, 2, x*x)
		y.SetVec(i, signal[lo+i])
	}

	var coef mat.VecDense
	if err := coef.SolveVec(design, y); err != nil {
		return Quadratic{}, false
	}
	q := Quadratic{A: coef.AtVec(0), B: coef.AtVec(1), C: coef.AtVec(2), Offset: lo}
	if math.IsNaN(q.A) || math.IsNaN(q.B) || math.IsNaN(q.C) {
		return Quadratic{}, false
	}
	return q, true
}

// Vertex is the frame index of the parabola's extremum, or NaN when the fit
// is a line.
func (q Quadratic) Vertex() float64 {
	if math.Abs(q.C) < quadraticEpsilon {
		return math.NaN()
	}
	return float64(q.Offset) - q.B/(2*q.C)
}

// SteepestDescent returns the index i in [lo, hi) where signal[i+1]-signal[i]
// is most negative. Ties keep the first index.
func SteepestDescent(signal []float64, lo, hi int) int {
	best := lo
	bestDiff := math.Inf(1)
	for i := lo; i < hi && i+1 < len(signal); i++ {
		d := signal[i+1] - signal[i]
		if d < bestDiff {
			bestDiff = d
			best = i
		}
	}
	return best
}

// combineStart merges the quadratic and discrete start estimates.
func combineStart(quad float64, discrete int) float64 {
	d := float64(discrete)
	if math.IsNaN(quad) || quad < 0 {
		return d
	}
	return math.Max(quad, d) - math.Min(quad, d)/2
}
