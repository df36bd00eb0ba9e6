package similarity

import (
	"bytes"
	"context"
	"errors"
	"image"
	"math"
	"math/rand"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardiocontract/internal/models"
)

// createTestFrame creates a gray frame filled by pattern
func createTestFrame(width, height int, pattern func(x, y int) uint8) models.Frame {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Pix[y*img.Stride+x] = pattern(x, y)
		}
	}
	return models.NewFrame(img)
}

// createRandomSequence creates n frames of uniform noise
func createRandomSequence(n, width, height int, seed int64) models.Sequence {
	rng := rand.New(rand.NewSource(seed))
	frames := make(models.Sequence, n)
	for i := range frames {
		frames[i] = createTestFrame(width, height, func(x, y int) uint8 {
			return uint8(rng.Intn(256))
		})
	}
	return frames
}

func newTestEngine(workers int) *Engine {
	return NewEngine(Options{Workers: workers, Logger: zerolog.Nop()})
}

func TestComputeSymmetricUnitDiagonal(t *testing.T) {
	frames := createRandomSequence(17, 12, 9, 1)
	res, err := newTestEngine(4).Compute(context.Background(), frames)
	require.NoError(t, err)
	require.Equal(t, 17, res.Size())

	for i := 0; i < res.Size(); i++ {
		assert.Equal(t, 1.0, res.Matrix.At(i, i), "diagonal %d", i)
		for j := 0; j < res.Size(); j++ {
			v := res.Matrix.At(i, j)
			assert.Equal(t, v, res.Matrix.At(j, i))
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
		assert.GreaterOrEqual(t, res.Entropy[i], 0.0)
		assert.LessOrEqual(t, res.Entropy[i], 1.0)
	}
}

func TestComputeWorkerCountDoesNotChangeResult(t *testing.T) {
	frames := createRandomSequence(23, 10, 10, 7)
	one, err := newTestEngine(1).Compute(context.Background(), frames)
	require.NoError(t, err)
	many, err := newTestEngine(6).Compute(context.Background(), frames)
	require.NoError(t, err)

	if diff := cmp.Diff(one.Entropy, many.Entropy); diff != "" {
		t.Errorf("entropy differs between worker counts (-1 +6):\n%s", diff)
	}
	for i := 0; i < 23; i++ {
		if diff := cmp.Diff(one.Row(i), many.Row(i)); diff != "" {
			t.Errorf("row %d differs between worker counts:\n%s", i, diff)
		}
	}
}

// Uniform frames have zero variance, so every off-diagonal pair is 0/0 and
// resolves to zero; each row then holds a single unit entry.
func TestIdenticalUniformFramesHaveZeroEntropy(t *testing.T) {
	frames := make(models.Sequence, 60)
	for i := range frames {
		frames[i] = createTestFrame(8, 8, func(x, y int) uint8 { return 128 })
	}

	res, err := newTestEngine(3).Compute(context.Background(), frames)
	require.NoError(t, err)
	for i, e := range res.Entropy {
		assert.Equal(t, 0.0, e, "entropy of frame %d", i)
	}
	assert.Equal(t, 0.0, res.Matrix.At(0, 59))
}

// Identical textured frames correlate perfectly, every row is uniform and
// the normalized entropy is maximal.
func TestIdenticalTexturedFramesHaveMaximalEntropy(t *testing.T) {
	frames := make(models.Sequence, 12)
	for i := range frames {
		frames[i] = createTestFrame(8, 8, func(x, y int) uint8 { return uint8(x*16 + y) })
	}

	res, err := newTestEngine(2).Compute(context.Background(), frames)
	require.NoError(t, err)
	for _, e := range res.Entropy {
		assert.InDelta(t, 1.0, e, 1e-12)
	}
}

func TestComputeInvalidInput(t *testing.T) {
	e := newTestEngine(2)

	_, err := e.Compute(context.Background(), createRandomSequence(1, 4, 4, 1))
	assert.True(t, errors.Is(err, models.ErrInvalidInput), "single frame: %v", err)

	frames := createRandomSequence(3, 4, 4, 1)
	frames[2] = createTestFrame(5, 4, func(x, y int) uint8 { return 0 })
	_, err = e.Compute(context.Background(), frames)
	assert.True(t, errors.Is(err, models.ErrInvalidInput), "mismatched frame: %v", err)

	_, err = e.ComputeSeries(context.Background(), [][]float64{{1, 2}, {1}})
	assert.True(t, errors.Is(err, models.ErrInvalidInput), "mismatched series: %v", err)
}

func TestComputeAbortFromProgress(t *testing.T) {
	var e *Engine
	calls := 0
	e = NewEngine(Options{
		Workers: 1,
		Logger:  zerolog.Nop(),
		Progress: func(completed, total int) {
			calls++
			e.Abort()
		},
	})

	res, err := e.Compute(context.Background(), createRandomSequence(10, 6, 6, 3))
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, models.ErrComputationAborted), "got %v", err)
	assert.Equal(t, 1, calls)

	// The engine is usable again after an abort.
	res, err = NewEngine(Options{Workers: 1, Logger: zerolog.Nop()}).
		Compute(context.Background(), createRandomSequence(4, 6, 6, 3))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Size())
}

func TestComputeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine(2).Compute(ctx, createRandomSequence(8, 6, 6, 4))
	assert.True(t, errors.Is(err, models.ErrComputationAborted), "got %v", err)
}

func TestComputeAsync(t *testing.T) {
	frames := createRandomSequence(9, 6, 6, 5)
	fut := newTestEngine(2).ComputeAsync(context.Background(), frames)
	res, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, 9, res.Size())

	select {
	case <-fut.Done():
	default:
		t.Error("Done channel should be closed after Wait returns")
	}
}

// newGatedEngine returns an engine whose first progress report blocks until
// release is closed, so a computation cannot finish before the test acts.
func newGatedEngine(release <-chan struct{}) *Engine {
	return NewEngine(Options{
		Workers:  1,
		Logger:   zerolog.Nop(),
		Progress: func(completed, total int) { <-release },
	})
}

func TestAbortRightAfterComputeAsync(t *testing.T) {
	frames := createRandomSequence(12, 8, 8, 6)
	for i := 0; i < 20; i++ {
		release := make(chan struct{})
		e := newGatedEngine(release)

		fut := e.ComputeAsync(context.Background(), frames)
		e.Abort()
		close(release)

		res, err := fut.Wait()
		assert.Nil(t, res)
		require.True(t, errors.Is(err, models.ErrComputationAborted), "run %d: got %v", i, err)
	}
}

func TestFutureCancel(t *testing.T) {
	release := make(chan struct{})
	e := newGatedEngine(release)
	frames := createRandomSequence(12, 8, 8, 7)

	fut := e.ComputeAsync(context.Background(), frames)
	fut.Cancel()
	close(release)

	_, err := fut.Wait()
	assert.True(t, errors.Is(err, models.ErrComputationAborted), "got %v", err)

	// The same engine runs the next computation to completion.
	res, err := e.Compute(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Size())
}

func TestAbortWhileIdleDoesNotAffectNextRun(t *testing.T) {
	e := newTestEngine(2)
	e.Abort()

	res, err := e.Compute(context.Background(), createRandomSequence(5, 6, 6, 8))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Size())
}

func TestComputeAsyncInvalidInput(t *testing.T) {
	fut := newTestEngine(2).ComputeAsync(context.Background(), createRandomSequence(1, 4, 4, 1))
	_, err := fut.Wait()
	assert.True(t, errors.Is(err, models.ErrInvalidInput), "got %v", err)
	fut.Cancel()
}

// panicSource scores like a constant source but panics on one row.
type panicSource struct {
	n   int
	row int
}

func (s *panicSource) Len() int      { return s.n }
func (s *panicSource) prepare(i int) {}
func (s *panicSource) score(i, j int) float64 {
	if i == s.row {
		panic("corrupt row")
	}
	return 0.5
}

func TestWorkerPanicBecomesError(t *testing.T) {
	for _, workers := range []int{1, 3} {
		e := newTestEngine(workers)
		src := &panicSource{n: 9, row: 4}

		res, err := e.run(context.Background(), src)
		assert.Nil(t, res)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked")
		assert.False(t, errors.Is(err, models.ErrComputationAborted), "got %v", err)

		ent, err := e.rowEntropies(context.Background(), src)
		assert.Nil(t, ent)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt row")
	}
}

func TestEntropySeriesMatchesComputeSeries(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	series := make([][]float64, 37)
	for i := range series {
		series[i] = make([]float64, 15)
		for k := range series[i] {
			series[i][k] = rng.Float64() * 255
		}
	}
	series[5] = make([]float64, 15) // flat

	full, err := newTestEngine(3).ComputeSeries(context.Background(), series)
	require.NoError(t, err)

	for _, workers := range []int{1, 4} {
		ent, err := newTestEngine(workers).EntropySeries(context.Background(), series)
		require.NoError(t, err)
		require.Len(t, ent, len(series))
		for i := range ent {
			assert.InDelta(t, full.Entropy[i], ent[i], 1e-12, "row %d", i)
		}
		assert.Equal(t, 0.0, ent[5])
	}

	_, err = newTestEngine(2).EntropySeries(context.Background(), series[:1])
	assert.True(t, errors.Is(err, models.ErrInvalidInput), "got %v", err)
}

func TestEntropySeriesAbort(t *testing.T) {
	var e *Engine
	e = NewEngine(Options{
		Workers:  1,
		Logger:   zerolog.Nop(),
		Progress: func(completed, total int) { e.Abort() },
	})
	series := [][]float64{{0, 1, 2}, {2, 1, 0}, {1, 1, 2}, {3, 0, 1}}

	_, err := e.EntropySeries(context.Background(), series)
	assert.True(t, errors.Is(err, models.ErrComputationAborted), "got %v", err)
}

func TestWorkersResolved(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), newTestEngine(0).Workers())
	assert.Equal(t, 3, newTestEngine(3).Workers())
}

func TestComputeSeries(t *testing.T) {
	ramp := []float64{0, 1, 2, 3, 4, 5}
	inverse := []float64{5, 4, 3, 2, 1, 0}
	flat := []float64{2, 2, 2, 2, 2, 2}

	res, err := newTestEngine(2).ComputeSeries(context.Background(), [][]float64{ramp, inverse, flat})
	require.NoError(t, err)

	// Anti-correlated series are squared to full similarity.
	assert.InDelta(t, 1.0, res.Matrix.At(0, 1), 1e-12)
	assert.Equal(t, 0.0, res.Matrix.At(0, 2))
	assert.Equal(t, 1.0, res.Matrix.At(2, 2))
	assert.Equal(t, 0.0, res.Entropy[2])
}

func TestNormalizedCorrelation(t *testing.T) {
	// a = {1,2,3}, b = {2,4,6}
	r := NormalizedCorrelation(3, 6, 12, 14, 56, 28)
	assert.InDelta(t, 1.0, r, 1e-12)

	// zero variance operand
	assert.Equal(t, 0.0, NormalizedCorrelation(3, 6, 9, 12, 27, 18))
	assert.Equal(t, 0.0, NormalizedCorrelation(3, 0, 0, 0, 0, 0))
}

func TestTriangleBlocksCoverAllRows(t *testing.T) {
	for _, tc := range []struct{ n, workers int }{{2, 1}, {2, 8}, {10, 3}, {101, 7}, {60, 60}} {
		blocks := triangleBlocks(tc.n, tc.workers)
		require.NotEmpty(t, blocks)
		assert.LessOrEqual(t, len(blocks), tc.workers)
		next := 0
		for _, b := range blocks {
			assert.Equal(t, next, b[0])
			assert.Greater(t, b[1], b[0])
			next = b[1]
		}
		assert.Equal(t, tc.n, next, "n=%d workers=%d", tc.n, tc.workers)
	}
}

func TestHistoStatsRampFixture(t *testing.T) {
	// 20x5 frame, zero except a short ramp 1,1,2,2,3,3 on row 2.
	f := createTestFrame(20, 5, func(x, y int) uint8 {
		if y == 2 && x < 6 {
			return uint8(x/2 + 1)
		}
		return 0
	})

	s := HistoStats(f)
	assert.Equal(t, 100.0, s.Count)
	assert.Equal(t, 12.0, s.Sum)
	assert.Equal(t, 28.0, s.SumSquared)
	assert.InDelta(t, 0.12, s.Mean, 1e-12)
	assert.InDelta(t, 0.28-0.12*0.12, s.Variance, 1e-12)
	assert.Equal(t, 94.0, s.Histogram[0])
	assert.Equal(t, 2.0, s.Histogram[3])
}

func TestCacheRoundTrip(t *testing.T) {
	res, err := newTestEngine(2).Compute(context.Background(), createRandomSequence(11, 7, 5, 9))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, SaveCache(&buf, res))

	loaded, err := LoadCache(bytes.NewReader(buf.Bytes()), 11)
	require.NoError(t, err)
	for i := range res.Entropy {
		assert.Equal(t, math.Float64bits(res.Entropy[i]), math.Float64bits(loaded.Entropy[i]))
		for j := range res.Entropy {
			assert.Equal(t, math.Float64bits(res.Matrix.At(i, j)), math.Float64bits(loaded.Matrix.At(i, j)))
		}
	}

	_, err = LoadCache(bytes.NewReader(buf.Bytes()), 12)
	assert.True(t, errors.Is(err, models.ErrCacheMiss), "size mismatch: %v", err)

	_, err = LoadCache(bytes.NewReader(buf.Bytes()[:buf.Len()-8]), 11)
	assert.True(t, errors.Is(err, models.ErrCacheMiss), "truncated: %v", err)

	_, err = LoadCache(bytes.NewReader([]byte("nope")), 11)
	assert.True(t, errors.Is(err, models.ErrCacheMiss), "bad magic: %v", err)
}

func TestCacheFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "cache.bin")

	_, err := LoadCacheFile(path, 3)
	assert.True(t, errors.Is(err, models.ErrCacheMiss))

	res, err := newTestEngine(1).Compute(context.Background(), createRandomSequence(3, 4, 4, 2))
	require.NoError(t, err)
	require.NoError(t, SaveCacheFile(path, res))

	loaded, err := LoadCacheFile(path, 3)
	require.NoError(t, err)
	assert.Equal(t, res.Entropy, loaded.Entropy)
}

func TestFingerprint(t *testing.T) {
	a := createRandomSequence(3, 4, 4, 1)
	b := createRandomSequence(3, 4, 4, 1)
	c := createRandomSequence(3, 4, 4, 2)

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
	assert.Len(t, Fingerprint(a), 64)
}
