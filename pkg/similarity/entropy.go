package similarity

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Entropy projects a similarity matrix onto one value per row: each row is
// normalized to sum to one and its Shannon entropy is divided by log2(N),
// the entropy of a uniform distribution over N samples. Values lie in [0,1].
func Entropy(m mat.Symmetric) []float64 {
	n := m.SymmetricDim()
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	maxEntropy := math.Log2(float64(n))

	row := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			row[j] = m.At(i, j)
		}
		out[i] = RowEntropy(row) / maxEntropy
	}
	return out
}

// RowEntropy returns the base-2 Shannon entropy of a non-negative row after
// normalizing it to unit sum. Zero entries contribute nothing.
func RowEntropy(row []float64) float64 {
	sum := floats.Sum(row)
	if sum <= 0 {
		return 0
	}
	h := 0.0
	for _, v := range row {
		if v <= 0 {
			continue
		}
		r := v / sum
		h -= r * math.Log2(r)
	}
	if h < 0 {
		return 0
	}
	return h
}
