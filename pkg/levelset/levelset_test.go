package levelset

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"cardiocontract/internal/models"
)

// createTestMatrix builds a symmetric matrix with unit diagonal whose
// off-diagonal entries decay with index distance.
func createTestMatrix(n int) *mat.SymDense {
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			m.SetSym(i, j, 1/float64(1+j-i))
		}
	}
	return m
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))

	in := []float64{3, 1, 2}
	Median(in)
	assert.Equal(t, []float64{3, 1, 2}, in, "Median must not reorder its input")
}

func TestRankByDistanceStable(t *testing.T) {
	values := []float64{0.5, 0.875, 0.375, 0.625, 0.125}
	// distances to 0.5: 0, 0.375, 0.125, 0.125, 0.375
	got := RankByDistance(values, 0.5)
	assert.Equal(t, []int{0, 2, 3, 1, 4}, got)
}

func TestNewRejectsMismatch(t *testing.T) {
	_, err := New([]float64{1, 2, 3}, createTestMatrix(4))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = New([]float64{}, mat.NewSymDense(0, nil))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = New([]float64{1}, nil)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestDenoiseFractionValidation(t *testing.T) {
	f, err := New([]float64{0.1, 0.2, 0.3}, createTestMatrix(3))
	require.NoError(t, err)

	for _, frac := range []float64{0, -0.5, 1.01} {
		_, err := f.Denoise(frac)
		assert.True(t, errors.Is(err, models.ErrInvalidInput), "fraction %v", frac)
	}
}

func TestDenoisePassThroughWhenKIsZero(t *testing.T) {
	entropy := []float64{0.3, 0.7, 0.2, 0.9, 0.5}
	f, err := New(entropy, createTestMatrix(5))
	require.NoError(t, err)

	// floor(5 * 0.1) == 0
	out, err := f.Denoise(0.1)
	require.NoError(t, err)
	assert.Equal(t, entropy, out)

	out[0] = 42
	assert.Equal(t, 0.3, entropy[0], "pass-through must return a copy")
}

func TestDenoiseAveragesTopRows(t *testing.T) {
	entropy := []float64{0.125, 0.5, 0.375, 0.875}
	m := createTestMatrix(4)
	f, err := New(entropy, m)
	require.NoError(t, err)

	ranks, median := f.Ranks()
	// median 0.4375; distances 0.3125, 0.0625, 0.0625, 0.4375
	assert.Equal(t, 0.4375, median)
	assert.Equal(t, []int{1, 2, 0, 3}, ranks)

	out, err := f.Denoise(0.5) // K = 2 -> rows 1 and 2
	require.NoError(t, err)
	for col := 0; col < 4; col++ {
		want := (m.At(1, col) + m.At(2, col)) / 2
		assert.InDelta(t, want, out[col], 1e-15, "column %d", col)
	}

	all, err := f.Denoise(1)
	require.NoError(t, err)
	for col := 0; col < 4; col++ {
		want := (m.At(0, col) + m.At(1, col) + m.At(2, col) + m.At(3, col)) / 4
		assert.InDelta(t, want, all[col], 1e-15)
	}
}

func TestDenoiseIdempotent(t *testing.T) {
	entropy := []float64{0.2, 0.4, 0.35, 0.8, 0.5, 0.41, 0.39}
	f, err := New(entropy, createTestMatrix(7))
	require.NoError(t, err)

	r1, _ := f.Ranks()
	d1, err := f.Denoise(0.6)
	require.NoError(t, err)
	r2, _ := f.Ranks()
	d2, err := f.Denoise(0.6)
	require.NoError(t, err)

	if diff := cmp.Diff(r1, r2); diff != "" {
		t.Errorf("ranks changed between calls:\n%s", diff)
	}
	if diff := cmp.Diff(d1, d2); diff != "" {
		t.Errorf("denoised signal changed between calls:\n%s", diff)
	}
}

func TestResetInvalidatesRanking(t *testing.T) {
	f, err := New([]float64{0.1, 0.5, 0.9}, createTestMatrix(3))
	require.NoError(t, err)
	assert.False(t, f.Ranked())
	f.Ranks()
	assert.True(t, f.Ranked())

	require.NoError(t, f.Reset([]float64{0.9, 0.5, 0.1, 0.4}, createTestMatrix(4)))
	assert.False(t, f.Ranked())
	assert.Equal(t, 4, f.Size())

	ranks, median := f.Ranks()
	assert.InDelta(t, 0.45, median, 1e-12)
	assert.Len(t, ranks, 4)

	assert.Error(t, f.Reset([]float64{1}, createTestMatrix(2)))
}

func TestConcurrentFirstRanking(t *testing.T) {
	entropy := make([]float64, 200)
	for i := range entropy {
		entropy[i] = float64((i*37)%200) / 200
	}
	f, err := New(entropy, createTestMatrix(200))
	require.NoError(t, err)

	want := RankByDistance(entropy, Median(entropy))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _ := f.Ranks()
			assert.Equal(t, want, got)
			_, err := f.Denoise(0.25)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
