// Package analysis runs the contraction analysis of one recording end to end.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cardiocontract/internal/loader"
	"cardiocontract/internal/logging"
	"cardiocontract/internal/models"
	"cardiocontract/pkg/cardio"
	"cardiocontract/pkg/config"
	"cardiocontract/pkg/contraction"
	"cardiocontract/pkg/denoise"
	"cardiocontract/pkg/report"
	"cardiocontract/pkg/similarity"
	"cardiocontract/pkg/store"
	"cardiocontract/pkg/units"
	"cardiocontract/pkg/visualization"
	"cardiocontract/pkg/voxel"
)

// Params holds the analysis parameters.
type Params struct {
	// InputDir is the directory containing the numbered frames of the recording.
	InputDir string

	// OutputDir receives CSV tables, plots and intermediary results.
	OutputDir string

	// NumCores specifies how many goroutines fill the similarity matrix.
	NumCores int

	// Denoise low-pass filters the frames before the similarity step,
	// removing frequencies above DenoiseCutoff times the Nyquist frequency.
	Denoise       bool
	DenoiseCutoff float64

	Contraction contraction.Params
	Voxel       voxel.Params
	Model       cardio.ModelParams

	// CellLength is the physical resting length of the cell.
	CellLength units.Length

	// CacheDir holds binary similarity caches keyed by content fingerprint.
	// Empty disables file caching.
	CacheDir string

	// Database is the SQLite file for cached matrices and run history.
	// Empty disables it.
	Database string

	WriteCSV   bool
	WritePlots bool

	// SaveIntermediaryResults saves the similarity matrix image and the
	// frames of every contraction.
	SaveIntermediaryResults bool

	// Verbose prints step-by-step progress.
	Verbose bool
}

// ParamsFromConfig builds analysis parameters from a loaded configuration.
func ParamsFromConfig(cfg *config.Config, inputDir, outputDir string) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := contraction.ParseMode(cfg.Contraction.Mode)
	if err != nil {
		return nil, err
	}
	velocity, err := cfg.ShearVelocity()
	if err != nil {
		return nil, err
	}
	density, err := cfg.GelDensity()
	if err != nil {
		return nil, err
	}
	cellLength, err := cfg.CellLength()
	if err != nil {
		return nil, err
	}

	return &Params{
		InputDir:      inputDir,
		OutputDir:     outputDir,
		NumCores:      cfg.Processing.NumCores,
		Denoise:       cfg.Processing.Denoise,
		DenoiseCutoff: cfg.Processing.DenoiseCutoff,
		Contraction: contraction.Params{
			LevelsetFraction:         cfg.Levelset.Fraction,
			MinimumContractionFrames: cfg.Contraction.MinimumFrames,
			Sigma:                    cfg.Contraction.Sigma,
			PersistenceFraction:      cfg.Contraction.PersistenceFraction,
			Mode:                     mode,
		},
		Voxel: voxel.Params{
			SampleX: cfg.Voxel.SampleX,
			SampleY: cfg.Voxel.SampleY,
			PadX:    cfg.Voxel.PadX,
			PadY:    cfg.Voxel.PadY,
		},
		Model: cardio.ModelParams{
			ShapeExponent: cfg.Cardio.ShapeExponent,
			ShearVelocity: velocity,
			Density:       density,
			Resolution:    cfg.Cardio.Resolution,
		},
		CellLength:              cellLength,
		CacheDir:                cfg.Output.CacheDir,
		Database:                cfg.Output.Database,
		WriteCSV:                cfg.Output.CSV,
		WritePlots:              cfg.Output.Plots,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		Verbose:                 cfg.Output.Verbose,
	}, nil
}

// Analyzer handles the contraction analysis of one recording.
//
// The analysis consists of several steps:
// 1. Loading the frame sequence
// 2. Computing (or loading from cache) the self-similarity matrix and entropy signal
// 3. Denoising the signal with the median levelset filter and locating contractions
// 4. Converting each contraction into length, elongation and force curves
// 5. Writing reports
// 6. Recording the run
type Analyzer struct {
	params *Params
	logger zerolog.Logger
	out    io.Writer

	engine  *similarity.Engine
	locator *contraction.Locator
	model   *cardio.Model
	filter  *denoise.Filter

	mu          sync.Mutex
	frames      models.Sequence
	input       models.Sequence
	names       []string
	fingerprint string
	result      *similarity.Result
	intervals   []contraction.Interval
	profiles    []*cardio.Profile
	runID       string
}

// NewAnalyzer creates an analyzer. Progress text goes to stdout when
// params.Verbose is set.
func NewAnalyzer(params *Params, logger zerolog.Logger) (*Analyzer, error) {
	if err := params.Contraction.Validate(); err != nil {
		return nil, err
	}
	if err := params.Voxel.Validate(); err != nil {
		return nil, err
	}
	model, err := cardio.NewModel(params.Model)
	if err != nil {
		return nil, err
	}
	if !(params.CellLength > 0) {
		return nil, fmt.Errorf("%w: cell length must be positive", models.ErrInvalidInput)
	}
	var filter *denoise.Filter
	if params.Denoise {
		if filter, err = denoise.NewFilter(params.DenoiseCutoff); err != nil {
			return nil, err
		}
	}

	a := &Analyzer{
		params: params,
		logger: logging.Component(logger, "analysis"),
		out:    io.Discard,
		model:  model,
		filter: filter,
	}
	if params.Verbose {
		a.out = os.Stdout
	}
	a.engine = similarity.NewEngine(similarity.Options{
		Workers:  params.NumCores,
		Progress: a.progress,
		Logger:   logging.Component(logger, "similarity"),
	})
	a.locator = contraction.NewLocator(params.Contraction, logger)
	return a, nil
}

// SetOutput redirects progress text. It waits for a running Process or
// Surface to finish; workers only read the writer while one of them holds
// the lock.
func (a *Analyzer) SetOutput(w io.Writer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = w
}

// Workers returns the number of goroutines used for the similarity matrix.
func (a *Analyzer) Workers() int {
	return a.engine.Workers()
}

// SetFrames supplies an already decoded sequence; Process then skips loading.
func (a *Analyzer) SetFrames(frames models.Sequence) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames = frames
	a.input = nil
	a.names = nil
	a.fingerprint = ""
}

// Abort stops a similarity computation in flight.
func (a *Analyzer) Abort() {
	a.engine.Abort()
}

func (a *Analyzer) progress(completed, total int) {
	step := total / 10
	if step == 0 {
		step = 1
	}
	if completed%step == 0 || completed == total {
		fmt.Fprintf(a.out, "  similarity rows: %d/%d (%.0f%%)\n", completed, total, 100*float64(completed)/float64(total))
	}
}

// Process runs the complete analysis pipeline. When the similarity step
// fails, no contractions are reported and the error is returned.
func (a *Analyzer) Process(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.result = nil
	a.intervals = nil
	a.profiles = nil
	a.runID = ""

	var db *store.Store
	if a.params.Database != "" {
		s, err := store.Open(a.params.Database, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer s.Close()
		db = s
	}

	// Step 1: Load the frame sequence
	fmt.Fprintln(a.out, "Step 1: Loading frames...")
	if err := a.loadFrames(ctx); err != nil {
		return fmt.Errorf("failed to load frames: %w", err)
	}
	w, h := a.frames.Size()
	fmt.Fprintf(a.out, "Loaded %d frames with dimensions %dx%d\n", len(a.frames), w, h)

	// Step 2: Self-similarity matrix and entropy signal
	fmt.Fprintln(a.out, "Step 2: Computing self-similarity matrix...")
	res, err := a.similarity(ctx, db)
	if err != nil {
		a.logger.Error().Err(err).Msg("similarity computation failed, no contractions reported")
		return fmt.Errorf("failed to compute similarity: %w", err)
	}
	a.result = res

	// Step 3: Levelset denoising and contraction localization
	fmt.Fprintln(a.out, "Step 3: Locating contractions...")
	if err := a.locator.Load(res.Entropy, res.Matrix); err != nil {
		return fmt.Errorf("failed to load signal: %w", err)
	}
	intervals, err := a.locator.LocateContractions()
	if err != nil {
		return fmt.Errorf("failed to locate contractions: %w", err)
	}
	a.intervals = intervals
	fmt.Fprintf(a.out, "Found %d contraction(s)\n", len(intervals))

	// Step 4: Profiles
	fmt.Fprintln(a.out, "Step 4: Computing contraction profiles...")
	for i, iv := range intervals {
		p, err := a.locator.Profile(i, a.model, a.params.CellLength)
		if err != nil {
			return fmt.Errorf("failed to profile contraction %d: %w", i, err)
		}
		a.profiles = append(a.profiles, p)
		fmt.Fprintf(a.out, "  contraction %d: frames %d-%d, peak %d, peak force %.3g µN\n",
			i, iv.Start, iv.End, iv.Peak, p.PeakForce().Micronewtons())
	}

	// Step 5: Reports
	if err := a.writeReports(); err != nil {
		return err
	}

	// Step 6: Run history
	if db != nil {
		if err := a.recordRun(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyzer) loadFrames(ctx context.Context) error {
	if a.frames == nil {
		frames, names, err := loader.LoadDir(ctx, a.params.InputDir)
		if err != nil {
			return err
		}
		a.frames = frames
		a.names = names
	}
	if err := a.frames.Validate(); err != nil {
		return err
	}
	if a.input == nil {
		input := a.frames
		if a.filter != nil {
			fmt.Fprintf(a.out, "Denoising frames (cutoff %.2f)...\n", a.filter.Cutoff())
			var err error
			if input, err = denoise.Sequence(ctx, a.frames, a.filter, a.params.NumCores); err != nil {
				return err
			}
		}
		a.input = input
		// Cached results are keyed by the frames the similarity is measured on.
		a.fingerprint = similarity.Fingerprint(a.input)
	}
	return nil
}

// similarity looks the result up in the database, then in the file cache,
// and computes it on a miss, storing it back in both.
func (a *Analyzer) similarity(ctx context.Context, db *store.Store) (*similarity.Result, error) {
	n := len(a.frames)
	log := a.logger.With().Str("fingerprint", a.fingerprint[:12]).Logger()

	if db != nil {
		res, err := db.GetCache(ctx, a.fingerprint, n)
		if err == nil {
			log.Info().Msg("similarity loaded from database")
			return res, nil
		}
		if !errors.Is(err, models.ErrCacheMiss) {
			return nil, err
		}
	}

	cachePath := a.cachePath()
	if cachePath != "" {
		res, err := similarity.LoadCacheFile(cachePath, n)
		if err == nil {
			log.Info().Str("path", cachePath).Msg("similarity loaded from cache file")
			if db != nil {
				if err := db.PutCache(ctx, a.fingerprint, res); err != nil {
					log.Warn().Err(err).Msg("failed to store similarity in database")
				}
			}
			return res, nil
		}
		if !errors.Is(err, models.ErrCacheMiss) {
			log.Warn().Err(err).Msg("ignoring unreadable cache file")
		}
	}

	start := time.Now()
	res, err := a.engine.Compute(ctx, a.input)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(a.out, "Similarity matrix computed in %.2f seconds\n", time.Since(start).Seconds())

	if cachePath != "" {
		if err := similarity.SaveCacheFile(cachePath, res); err != nil {
			log.Warn().Err(err).Msg("failed to write cache file")
		}
	}
	if db != nil {
		if err := db.PutCache(ctx, a.fingerprint, res); err != nil {
			log.Warn().Err(err).Msg("failed to store similarity in database")
		}
	}
	return res, nil
}

func (a *Analyzer) cachePath() string {
	if a.params.CacheDir == "" {
		return ""
	}
	return filepath.Join(a.params.CacheDir, a.fingerprint+".ssm")
}

func (a *Analyzer) writeReports() error {
	if a.params.OutputDir == "" {
		return nil
	}
	if !a.params.WriteCSV && !a.params.WritePlots && !a.params.SaveIntermediaryResults {
		return nil
	}
	fmt.Fprintln(a.out, "Step 5: Writing reports...")
	if err := os.MkdirAll(a.params.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	signal := a.locator.Signal()

	if a.params.WriteCSV {
		path := filepath.Join(a.params.OutputDir, "signal.csv")
		err := report.WriteFile(path, func(w io.Writer) error {
			return report.WriteSignalCSV(w, []string{"entropy", "denoised"}, a.result.Entropy, signal)
		})
		if err != nil {
			return err
		}
		for i, p := range a.profiles {
			path := filepath.Join(a.params.OutputDir, fmt.Sprintf("contraction_%02d.csv", i))
			err := report.WriteFile(path, func(w io.Writer) error {
				return report.WriteProfileCSV(w, p)
			})
			if err != nil {
				return err
			}
		}
	}

	if a.params.WritePlots {
		if err := report.PlotSignal(signal, a.intervals, filepath.Join(a.params.OutputDir, "signal.png")); err != nil {
			return err
		}
		for i, p := range a.profiles {
			lengthPath := filepath.Join(a.params.OutputDir, fmt.Sprintf("contraction_%02d_length.png", i))
			forcePath := filepath.Join(a.params.OutputDir, fmt.Sprintf("contraction_%02d_force.png", i))
			if err := report.PlotProfile(p, lengthPath, forcePath); err != nil {
				return err
			}
		}
	}

	if a.params.SaveIntermediaryResults {
		viewer := visualization.NewViewer(a.result.Matrix)
		if err := visualization.SaveImage(viewer.MatrixImage(), filepath.Join(a.params.OutputDir, "similarity_matrix.png")); err != nil {
			fmt.Fprintf(a.out, "Warning: Failed to save similarity matrix: %v\n", err)
		}
		for i, iv := range a.intervals {
			dir := filepath.Join(a.params.OutputDir, fmt.Sprintf("contraction_%02d", i))
			if err := visualization.SaveFrameSequence(a.frames, iv.Start, iv.End, dir); err != nil {
				fmt.Fprintf(a.out, "Warning: Failed to save frames of contraction %d: %v\n", i, err)
			}
		}
	}
	return nil
}

type runParams struct {
	Denoise       bool    `json:"denoise"`
	DenoiseCutoff float64 `json:"denoise_cutoff,omitempty"`
	Contraction struct {
		LevelsetFraction    float64 `json:"levelset_fraction"`
		MinimumFrames       int     `json:"minimum_frames"`
		Sigma               float64 `json:"sigma"`
		PersistenceFraction float64 `json:"persistence_fraction"`
		Mode                string  `json:"mode"`
	} `json:"contraction"`
	Cardio struct {
		ShapeExponent int     `json:"shape_exponent"`
		ShearVelocity float64 `json:"shear_velocity_cm_s"`
		Density       float64 `json:"density_g_cm3"`
		Resolution    int     `json:"resolution"`
		CellLength    float64 `json:"cell_length_cm"`
	} `json:"cardio"`
}

func (a *Analyzer) recordRun(ctx context.Context, db *store.Store) error {
	var rp runParams
	if a.filter != nil {
		rp.Denoise = true
		rp.DenoiseCutoff = a.filter.Cutoff()
	}
	rp.Contraction.LevelsetFraction = a.params.Contraction.LevelsetFraction
	rp.Contraction.MinimumFrames = a.params.Contraction.MinimumContractionFrames
	rp.Contraction.Sigma = a.params.Contraction.Sigma
	rp.Contraction.PersistenceFraction = a.params.Contraction.PersistenceFraction
	rp.Contraction.Mode = a.params.Contraction.Mode.String()
	rp.Cardio.ShapeExponent = a.params.Model.ShapeExponent
	rp.Cardio.ShearVelocity = float64(a.params.Model.ShearVelocity)
	rp.Cardio.Density = float64(a.params.Model.Density)
	rp.Cardio.Resolution = a.params.Model.Resolution
	rp.Cardio.CellLength = float64(a.params.CellLength)
	paramsJSON, err := json.Marshal(rp)
	if err != nil {
		return fmt.Errorf("failed to encode run parameters: %w", err)
	}

	run := &store.Run{
		Fingerprint: a.fingerprint,
		Source:      a.params.InputDir,
		Frames:      len(a.frames),
		ParamsJSON:  paramsJSON,
	}
	for i, iv := range a.intervals {
		c := store.Contraction{Index: i, Start: iv.Start, Peak: iv.Peak, End: iv.End, VisualRank: iv.VisualRank}
		if i < len(a.profiles) {
			c.PeakForce = float64(a.profiles[i].PeakForce())
		}
		run.Contractions = append(run.Contractions, c)
	}
	id, err := db.RecordRun(ctx, run)
	if err != nil {
		return err
	}
	a.runID = id
	fmt.Fprintf(a.out, "Recorded run %s\n", id)
	return nil
}

// Surface computes the voxel self-similarity surface of the recording,
// loading the frames first if needed, and saves it as surface.png in the
// output directory.
func (a *Analyzer) Surface(ctx context.Context) (*voxel.Surface, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadFrames(ctx); err != nil {
		return nil, fmt.Errorf("failed to load frames: %w", err)
	}
	proc, err := voxel.NewProcessor(a.params.Voxel, a.engine, a.logger)
	if err != nil {
		return nil, err
	}

	var surface *voxel.Surface
	w, h := a.frames.Size()
	grid := voxel.GridSize(w, h, a.params.Voxel)
	cachePath := ""
	if a.params.CacheDir != "" {
		cachePath = filepath.Join(a.params.CacheDir,
			fmt.Sprintf("%s-voxel-%dx%d.bin", a.fingerprint, a.params.Voxel.SampleX, a.params.Voxel.SampleY))
		if entropy, err := voxel.LoadEntropyCacheFile(cachePath, grid.X*grid.Y); err == nil {
			surface = voxel.Render(entropy, grid, w, h, a.params.Voxel)
			a.logger.Info().Str("path", cachePath).Msg("voxel entropy loaded from cache file")
		}
	}

	if surface == nil {
		fmt.Fprintln(a.out, "Computing voxel self-similarity surface...")
		surface, err = proc.Compute(ctx, a.input)
		if err != nil {
			return nil, err
		}
		if cachePath != "" {
			if err := voxel.SaveEntropyCacheFile(cachePath, surface.Entropy); err != nil {
				a.logger.Warn().Err(err).Msg("failed to write voxel cache")
			}
		}
	}

	if a.params.OutputDir != "" {
		path := filepath.Join(a.params.OutputDir, "surface.png")
		if err := visualization.SaveImage(surface.Image, path); err != nil {
			return nil, fmt.Errorf("failed to save surface: %w", err)
		}
		fmt.Fprintf(a.out, "Surface saved to: %s\n", path)
	}
	return surface, nil
}

// Result returns the similarity result of the last Process.
func (a *Analyzer) Result() *similarity.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Intervals returns the contractions found by the last Process.
func (a *Analyzer) Intervals() []contraction.Interval {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]contraction.Interval, len(a.intervals))
	copy(out, a.intervals)
	return out
}

// Profiles returns the profiles of the contractions found by the last Process.
func (a *Analyzer) Profiles() []*cardio.Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*cardio.Profile, len(a.profiles))
	copy(out, a.profiles)
	return out
}

// Signal returns the denoised signal of the last Process.
func (a *Analyzer) Signal() []float64 {
	return a.locator.Signal()
}

// FrameNames returns the file names of the loaded frames, in order.
func (a *Analyzer) FrameNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.names...)
}

// RunID returns the ID of the run recorded by the last Process, if any.
func (a *Analyzer) RunID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runID
}
