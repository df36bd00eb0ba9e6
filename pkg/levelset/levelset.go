// Package levelset implements the median-levelset denoising of a
// self-similarity signal.
//
// Frames are ranked by how close their entropy lies to the median entropy of
// the sequence. The rows of the similarity matrix belonging to the most
// typical frames are then averaged column by column, giving a periodicity
// signal that is robust to single-frame artifacts.
package levelset

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"cardiocontract/internal/models"
)

// Filter holds an entropy signal and its similarity matrix, and memoizes the
// median ranking of the signal. It is safe for concurrent use.
type Filter struct {
	mu      sync.Mutex
	entropy []float64
	matrix  mat.Symmetric

	ranked bool
	ranks  []int
	median float64
}

// New creates a filter over entropy and matrix, which must describe the same
// number of frames.
func New(entropy []float64, matrix mat.Symmetric) (*Filter, error) {
	if err := validate(entropy, matrix); err != nil {
		return nil, err
	}
	return &Filter{entropy: entropy, matrix: matrix}, nil
}

func validate(entropy []float64, matrix mat.Symmetric) error {
	if matrix == nil {
		return fmt.Errorf("%w: nil similarity matrix", models.ErrInvalidInput)
	}
	r, c := matrix.Dims()
	if r != c {
		return fmt.Errorf("%w: similarity matrix is %dx%d", models.ErrInvalidInput, r, c)
	}
	if r != len(entropy) {
		return fmt.Errorf("%w: matrix size %d does not match %d entropies",
			models.ErrInvalidInput, r, len(entropy))
	}
	if r == 0 {
		return fmt.Errorf("%w: empty entropy signal", models.ErrInvalidInput)
	}
	return nil
}

// Reset replaces the filter inputs and invalidates the cached ranking.
func (f *Filter) Reset(entropy []float64, matrix mat.Symmetric) error {
	if err := validate(entropy, matrix); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entropy = entropy
	f.matrix = matrix
	f.ranked = false
	f.ranks = nil
	return nil
}

// Size is the number of frames.
func (f *Filter) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entropy)
}

// Ranks returns the frame indices ordered by ascending distance of their
// entropy to the median entropy, together with that median. The ranking is
// computed once and cached until Reset; the returned slice is a copy.
func (f *Filter) Ranks() ([]int, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rankLocked()
	out := make([]int, len(f.ranks))
	copy(out, f.ranks)
	return out, f.median
}

// Ranked reports whether the cached ranking is current.
func (f *Filter) Ranked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ranked
}

func (f *Filter) rankLocked() {
	if f.ranked {
		return
	}
	f.median = Median(f.entropy)
	f.ranks = RankByDistance(f.entropy, f.median)
	f.ranked = true
}

// Denoise averages the similarity rows of the K most typical frames, with
// K = floor(N * fraction). If K is zero the entropy signal is returned
// unchanged (as a copy). The ranking is reused from the cache; the average
// is recomputed on every call.
func (f *Filter) Denoise(fraction float64) ([]float64, error) {
	if !(fraction > 0 && fraction <= 1) {
		return nil, fmt.Errorf("%w: levelset fraction %v outside (0,1]", models.ErrInvalidInput, fraction)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.rankLocked()

	n := len(f.entropy)
	k := int(math.Floor(float64(n) * fraction))
	out := make([]float64, n)
	if k == 0 {
		copy(out, f.entropy)
		return out, nil
	}

	for r := 0; r < k; r++ {
		row := f.ranks[r]
		for col := 0; col < n; col++ {
			out[col] += f.matrix.At(row, col)
		}
	}
	scale := 1 / float64(k)
	for col := range out {
		out[col] *= scale
	}
	return out, nil
}

// RankByDistance returns the indices of values sorted by |values[i] - center|,
// ties kept in index order.
func RankByDistance(values []float64, center float64) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return math.Abs(values[idx[a]]-center) < math.Abs(values[idx[b]]-center)
	})
	return idx
}

// Median calculates the median value of a slice of float64 values; for an
// even count it is the mean of the two middle values.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	// Create a copy to avoid modifying the original
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
