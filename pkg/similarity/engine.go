// Package similarity computes the pairwise self-similarity matrix of a frame
// sequence and its per-frame Shannon entropy projection.
//
// The matrix fill is O(N²·P) for N frames of P pixels and is split into
// contiguous row blocks, one goroutine per block. Each worker writes only the
// rows it owns, so no locking is needed on the matrix itself.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"cardiocontract/internal/models"
)

// ProgressCallback reports the number of matrix rows completed so far.
// It may be called from several worker goroutines, but never concurrently.
type ProgressCallback func(completed, total int)

// Options configures an Engine.
type Options struct {
	// Workers is the number of goroutines used for the matrix fill.
	// Zero or negative means runtime.NumCPU().
	Workers int

	// Progress is an optional row-completion callback
	Progress ProgressCallback

	// Logger receives timing and size information
	Logger zerolog.Logger
}

// Result holds the outputs of one similarity computation. Both fields are
// read-only once returned.
type Result struct {
	// Matrix is the N x N symmetric similarity matrix with a unit diagonal
	Matrix *mat.SymDense

	// Entropy is the normalized Shannon entropy of each matrix row, in [0, 1]
	Entropy []float64
}

// Size returns the number of frames the result was computed over.
func (r *Result) Size() int {
	return len(r.Entropy)
}

// Row copies row i of the similarity matrix.
func (r *Result) Row(i int) []float64 {
	n := r.Size()
	row := make([]float64, n)
	for j := 0; j < n; j++ {
		row[j] = r.Matrix.At(i, j)
	}
	return row
}

// Engine computes similarity matrices. An Engine may be reused for several
// computations, but runs one computation at a time with respect to Abort.
type Engine struct {
	workers  int
	progress ProgressCallback
	logger   zerolog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	generation uint64
	aborted    atomic.Bool
}

// NewEngine creates a similarity engine.
func NewEngine(opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Engine{
		workers:  workers,
		progress: opts.Progress,
		logger:   opts.Logger,
	}
}

// Workers returns the resolved number of worker goroutines.
func (e *Engine) Workers() int {
	return e.workers
}

// Abort stops the computation in flight. The running Compute returns
// ErrComputationAborted and its partial matrix is discarded. Abort has no
// effect when nothing is running; the next computation starts clean.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.aborted.Store(true)
		e.cancel()
	}
}

// begin registers a new computation so that Abort reaches it from the moment
// begin returns. It must run on the caller's goroutine; finish unregisters.
func (e *Engine) begin(ctx context.Context) (runCtx context.Context, finish func()) {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.aborted.Store(false)
	e.generation++
	gen := e.generation
	e.cancel = cancel
	e.mu.Unlock()

	return runCtx, func() {
		e.mu.Lock()
		if e.generation == gen {
			e.cancel = nil
		}
		e.mu.Unlock()
		cancel()
	}
}

// Compute builds the similarity matrix and entropy signal of a frame sequence.
func (e *Engine) Compute(ctx context.Context, frames models.Sequence) (*Result, error) {
	src, err := e.newFrameSource(frames)
	if err != nil {
		return nil, err
	}
	runCtx, finish := e.begin(ctx)
	defer finish()
	return e.run(runCtx, src)
}

// ComputeSeries runs the same machinery over 1D series, treating each series
// as a pseudo-frame. All series must have the same length.
func (e *Engine) ComputeSeries(ctx context.Context, series [][]float64) (*Result, error) {
	src, err := e.newSeriesSource(series)
	if err != nil {
		return nil, err
	}
	runCtx, finish := e.begin(ctx)
	defer finish()
	return e.run(runCtx, src)
}

// EntropySeries returns the same entropy signal as ComputeSeries without
// keeping the matrix: each worker scores one full row at a time into a
// scratch slice, so memory grows with the number of series, not its square.
// Every pair is scored twice.
func (e *Engine) EntropySeries(ctx context.Context, series [][]float64) ([]float64, error) {
	src, err := e.newSeriesSource(series)
	if err != nil {
		return nil, err
	}
	runCtx, finish := e.begin(ctx)
	defer finish()
	return e.rowEntropies(runCtx, src)
}

func (e *Engine) newFrameSource(frames models.Sequence) (*frameSource, error) {
	if err := frames.Validate(); err != nil {
		return nil, err
	}
	w, h := frames.Size()
	e.logger.Debug().Int("frames", len(frames)).Int("width", w).Int("height", h).Msg("computing frame similarity")
	return &frameSource{frames: frames, stats: make([]Stats, len(frames))}, nil
}

func (e *Engine) newSeriesSource(series [][]float64) (*seriesSource, error) {
	if len(series) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 series, got %d", models.ErrInvalidInput, len(series))
	}
	length := len(series[0])
	if length == 0 {
		return nil, fmt.Errorf("%w: empty series", models.ErrInvalidInput)
	}
	for i, s := range series {
		if len(s) != length {
			return nil, fmt.Errorf("%w: series %d has length %d, expected %d",
				models.ErrInvalidInput, i, len(s), length)
		}
	}
	e.logger.Debug().Int("series", len(series)).Int("length", length).Msg("computing series similarity")
	return &seriesSource{series: series, sums: make([][2]float64, len(series))}, nil
}

// prepareAll computes the per-item statistics, each worker owning a disjoint
// index range.
func (e *Engine) prepareAll(ctx context.Context, src source) error {
	return e.parallel(ctx, evenBlocks(src.Len(), e.workers), func(_ context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			src.prepare(i)
		}
		return nil
	})
}

// rowStart is checked before every row.
func (e *Engine) rowStart(ctx context.Context) error {
	if e.aborted.Load() {
		return models.ErrComputationAborted
	}
	return ctx.Err()
}

// rowCounter serializes progress reports across workers.
type rowCounter struct {
	progress ProgressCallback
	total    int
	done     atomic.Int64
	mu       sync.Mutex
}

func (c *rowCounter) add() {
	done := int(c.done.Add(1))
	if c.progress != nil {
		c.mu.Lock()
		c.progress(done, c.total)
		c.mu.Unlock()
	}
}

func (e *Engine) run(ctx context.Context, src source) (*Result, error) {
	start := time.Now()
	n := src.Len()

	if err := e.prepareAll(ctx, src); err != nil {
		return nil, e.failure(err)
	}

	m := mat.NewSymDense(n, nil)
	counter := &rowCounter{progress: e.progress, total: n}

	err := e.parallel(ctx, triangleBlocks(n, e.workers), func(ctx context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			if err := e.rowStart(ctx); err != nil {
				return err
			}
			m.SetSym(i, i, 1)
			for j := i + 1; j < n; j++ {
				m.SetSym(i, j, src.score(i, j))
			}
			counter.add()
		}
		return nil
	})
	if err != nil {
		return nil, e.failure(err)
	}

	res := &Result{Matrix: m, Entropy: Entropy(m)}
	e.logger.Info().
		Int("n", n).
		Int("workers", e.workers).
		Dur("elapsed", time.Since(start)).
		Msg("similarity matrix filled")
	return res, nil
}

func (e *Engine) rowEntropies(ctx context.Context, src source) ([]float64, error) {
	start := time.Now()
	n := src.Len()

	if err := e.prepareAll(ctx, src); err != nil {
		return nil, e.failure(err)
	}

	out := make([]float64, n)
	maxEntropy := math.Log2(float64(n))
	counter := &rowCounter{progress: e.progress, total: n}

	// Full rows cost the same, so plain even blocks balance the work.
	err := e.parallel(ctx, evenBlocks(n, e.workers), func(ctx context.Context, lo, hi int) error {
		row := make([]float64, n)
		for i := lo; i < hi; i++ {
			if err := e.rowStart(ctx); err != nil {
				return err
			}
			for j := range row {
				if j == i {
					row[j] = 1
					continue
				}
				row[j] = src.score(i, j)
			}
			out[i] = RowEntropy(row) / maxEntropy
			counter.add()
		}
		return nil
	})
	if err != nil {
		return nil, e.failure(err)
	}

	e.logger.Info().
		Int("n", n).
		Int("workers", e.workers).
		Dur("elapsed", time.Since(start)).
		Msg("row entropies computed")
	return out, nil
}

// failure maps cancellation of any kind onto ErrComputationAborted.
func (e *Engine) failure(err error) error {
	if errors.Is(err, models.ErrComputationAborted) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) || e.aborted.Load() {
		e.logger.Warn().Err(err).Msg("similarity computation aborted")
		return fmt.Errorf("%w: %v", models.ErrComputationAborted, err)
	}
	return err
}

// parallel runs fn over each block in its own goroutine and joins them. A
// panic in a worker is recovered and returned as that worker's error.
func (e *Engine) parallel(ctx context.Context, blocks [][2]int, fn func(ctx context.Context, lo, hi int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range blocks {
		lo, hi := b[0], b[1]
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("similarity worker rows [%d,%d) panicked: %v", lo, hi, r)
				}
			}()
			return fn(gctx, lo, hi)
		})
	}
	return g.Wait()
}

// evenBlocks splits [0,n) into at most workers contiguous ranges of equal size.
func evenBlocks(n, workers int) [][2]int {
	if workers > n {
		workers = n
	}
	per := (n + workers - 1) / workers
	blocks := make([][2]int, 0, workers)
	for lo := 0; lo < n; lo += per {
		hi := lo + per
		if hi > n {
			hi = n
		}
		blocks = append(blocks, [2]int{lo, hi})
	}
	return blocks
}

// triangleBlocks splits the rows of an upper triangular fill so that each
// block holds roughly the same number of pairs. Row i costs n-i pairs.
func triangleBlocks(n, workers int) [][2]int {
	if workers > n {
		workers = n
	}
	total := n * (n + 1) / 2
	target := (total + workers - 1) / workers

	blocks := make([][2]int, 0, workers)
	lo, acc := 0, 0
	for i := 0; i < n; i++ {
		acc += n - i
		if acc >= target || i == n-1 {
			blocks = append(blocks, [2]int{lo, i + 1})
			lo, acc = i+1, 0
		}
	}
	return blocks
}

// Future is the handle of an asynchronous computation. Results are only
// visible once the computation has completed.
type Future struct {
	done   chan struct{}
	cancel context.CancelFunc
	res    *Result
	err    error
}

// ComputeAsync starts Compute in its own goroutine and returns immediately.
// The computation is registered before ComputeAsync returns, so an Abort
// issued right after it reaches this computation.
func (e *Engine) ComputeAsync(ctx context.Context, frames models.Sequence) *Future {
	f := &Future{done: make(chan struct{}), cancel: func() {}}
	src, err := e.newFrameSource(frames)
	if err != nil {
		f.err = err
		close(f.done)
		return f
	}

	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	runCtx, finish := e.begin(ctx)
	go func() {
		defer close(f.done)
		defer cancel()
		defer finish()
		f.res, f.err = e.run(runCtx, src)
	}()
	return f
}

// Cancel stops this computation only; Wait then returns ErrComputationAborted.
func (f *Future) Cancel() {
	f.cancel()
}

// Wait blocks until the computation finishes.
func (f *Future) Wait() (*Result, error) {
	<-f.done
	return f.res, f.err
}

// Done is closed when the computation finishes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}
