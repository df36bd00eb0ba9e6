// Package contraction locates contraction events in a denoised
// self-similarity signal.
//
// A Locator moves through the states Unloaded, Loaded, Ranked, Located and
// Profiled. Loading an entropy signal and its similarity matrix resets it;
// ranking runs the median levelset filter; locating estimates the beat period
// from the signal's autocorrelation, picks persistent minima of the signal as
// contraction peaks and fits the start and end of each contraction with
// quadratics on either side of the peak.
package contraction

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"cardiocontract/internal/logging"
	"cardiocontract/internal/models"
	"cardiocontract/pkg/cardio"
	"cardiocontract/pkg/levelset"
	"cardiocontract/pkg/units"
)

// State is the lifecycle position of a Locator.
type State int

const (
	Unloaded State = iota
	Loaded
	Ranked
	Located
	Profiled
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Ranked:
		return "ranked"
	case Located:
		return "located"
	case Profiled:
		return "profiled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Mode selects how many contractions LocateContractions reports.
type Mode int

const (
	// FirstOnly stops at the first localized contraction.
	FirstOnly Mode = iota
	// All reports every localized contraction.
	All
)

func (m Mode) String() string {
	if m == All {
		return "all"
	}
	return "first"
}

// ParseMode accepts "first" or "all".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return FirstOnly, nil
	case "all":
		return All, nil
	}
	return FirstOnly, fmt.Errorf("%w: unknown contraction mode %q", models.ErrInvalidInput, s)
}

// Params controls contraction localization.
type Params struct {
	LevelsetFraction         float64 // fraction of frames averaged by the levelset filter
	MinimumContractionFrames int     // peaks closer than this to either end are rejected
	Sigma                    float64 // gaussian sigma applied to the autocorrelation
	PersistenceFraction      float64 // minimum peak persistence as a fraction of the signal range
	Mode                     Mode
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{
		LevelsetFraction:         0.5,
		MinimumContractionFrames: 5,
		Sigma:                    4,
		PersistenceFraction:      0.1,
		Mode:                     FirstOnly,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if !(p.LevelsetFraction > 0 && p.LevelsetFraction <= 1) {
		return fmt.Errorf("%w: levelset fraction %v outside (0,1]", models.ErrInvalidInput, p.LevelsetFraction)
	}
	if p.MinimumContractionFrames < 0 {
		return fmt.Errorf("%w: negative minimum contraction frames", models.ErrInvalidInput)
	}
	if !(p.Sigma > 0) {
		return fmt.Errorf("%w: sigma must be positive", models.ErrInvalidInput)
	}
	if p.PersistenceFraction < 0 || p.PersistenceFraction >= 1 {
		return fmt.Errorf("%w: persistence fraction %v outside [0,1)", models.ErrInvalidInput, p.PersistenceFraction)
	}
	if p.Mode != FirstOnly && p.Mode != All {
		return fmt.Errorf("%w: unknown mode %d", models.ErrInvalidInput, int(p.Mode))
	}
	return nil
}

// Interval is a localized contraction in frame indices, with
// 0 <= Start < Peak < End < N.
type Interval struct {
	Start int
	Peak  int
	End   int

	// VisualRank is the signal level of the relaxed cell.
	VisualRank float64

	QuadStart     float64
	DiscreteStart int
	QuadEnd       float64
}

// Len is the number of frames from Start up to, not including, End.
func (iv Interval) Len() int { return iv.End - iv.Start }

// Locator tracks one signal through localization and profiling. It is safe
// for concurrent use.
type Locator struct {
	mu     sync.Mutex
	params Params
	logger zerolog.Logger

	state     State
	filter    *levelset.Filter
	signal    []float64
	intervals []Interval
	profiles  map[int]*cardio.Profile
}

// NewLocator creates an unloaded locator.
func NewLocator(params Params, logger zerolog.Logger) *Locator {
	return &Locator{
		params: params,
		logger: logging.Component(logger, "contraction"),
	}
}

// State reports the current lifecycle state.
func (l *Locator) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Params returns the active parameters.
func (l *Locator) Params() Params {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.params
}

// SetParams replaces the parameters. Results derived from the old parameters
// are dropped; the levelset ranking is kept.
func (l *Locator) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.params = p
	if l.state > Loaded {
		l.state = Loaded
		l.signal = nil
		l.intervals = nil
		l.profiles = nil
	}
	return nil
}

// Load replaces the entropy signal and similarity matrix.
func (l *Locator) Load(entropy []float64, m mat.Symmetric) error {
	filter, err := levelset.New(entropy, m)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.params.Validate(); err != nil {
		return err
	}
	l.filter = filter
	l.signal = nil
	l.intervals = nil
	l.profiles = nil
	l.state = Loaded
	l.logger.Debug().Int("frames", len(entropy)).Msg("signal loaded")
	return nil
}

// Update ranks the loaded signal and computes the denoised signal. Calling it
// again once ranked is a no-op.
func (l *Locator) Update() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updateLocked()
}

func (l *Locator) updateLocked() error {
	if l.state == Unloaded {
		return fmt.Errorf("%w: locator has no signal loaded", models.ErrInvalidInput)
	}
	if l.state >= Ranked {
		return nil
	}
	signal, err := l.filter.Denoise(l.params.LevelsetFraction)
	if err != nil {
		return err
	}
	l.signal = signal
	l.state = Ranked
	return nil
}

// Signal returns a copy of the denoised signal, or nil before ranking.
func (l *Locator) Signal() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.signal == nil {
		return nil
	}
	out := make([]float64, len(l.signal))
	copy(out, l.signal)
	return out
}

// Intervals returns the contractions found by the last LocateContractions.
func (l *Locator) Intervals() []Interval {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Interval, len(l.intervals))
	copy(out, l.intervals)
	return out
}

// LocateContractions finds contractions in the denoised signal, ranking
// first if needed.
func (l *Locator) LocateContractions() ([]Interval, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.updateLocked(); err != nil {
		return nil, err
	}
	if l.state < Located {
		l.intervals = Locate(l.signal, l.params)
		l.profiles = nil
		l.state = Located
		l.logger.Info().
			Int("frames", len(l.signal)).
			Int("contractions", len(l.intervals)).
			Str("mode", l.params.Mode.String()).
			Msg("contractions located")
	}

	out := make([]Interval, len(l.intervals))
	copy(out, l.intervals)
	return out, nil
}

// ContractionAtPoint localizes a single contraction around peak p, searching
// for its start in [left, p] and its end in [p, right].
func (l *Locator) ContractionAtPoint(p, left, right int) (Interval, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.updateLocked(); err != nil {
		return Interval{}, false, err
	}
	iv, ok := ContractionAt(l.signal, p, left, right, l.params.MinimumContractionFrames)
	return iv, ok, nil
}

// Profile builds the profile of located contraction i with the given model
// and moves the locator to Profiled. Profiles are cached per interval.
func (l *Locator) Profile(i int, model *cardio.Model, cellLength units.Length) (*cardio.Profile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state < Located {
		return nil, fmt.Errorf("%w: contractions have not been located", models.ErrInvalidInput)
	}
	if i < 0 || i >= len(l.intervals) {
		return nil, fmt.Errorf("%w: contraction %d out of range [0,%d)", models.ErrInvalidInput, i, len(l.intervals))
	}
	if p, ok := l.profiles[i]; ok {
		return p, nil
	}

	iv := l.intervals[i]
	p, err := cardio.NewProfile(iv.Start, iv.End, iv.VisualRank, l.signal, cellLength, model)
	if err != nil {
		return nil, err
	}
	if l.profiles == nil {
		l.profiles = make(map[int]*cardio.Profile)
	}
	l.profiles[i] = p
	l.state = Profiled
	return p, nil
}

// Candidates returns the peak candidates of signal: persistent minima of the
// signal, thinned so that accepted candidates lie at least half an estimated
// period apart. More persistent candidates win.
func Candidates(signal []float64, params Params) []int {
	if len(signal) < 3 {
		return nil
	}

	period := EstimatePeriod(GaussianSmooth(Autocorrelation(signal), params.Sigma))
	minSeparation := period / 2

	inv := Invert(signal)
	span := floats.Max(inv) - floats.Min(inv)
	peaks := PersistentPeaks(inv, params.PersistenceFraction*span)

	sort.SliceStable(peaks, func(a, b int) bool { return peaks[a].Persistence > peaks[b].Persistence })
	accepted := make([]int, 0, len(peaks))
	for _, pk := range peaks {
		ok := true
		for _, a := range accepted {
			if absInt(pk.Index-a) < minSeparation {
				ok = false
				break
			}
		}
		if ok {
			accepted = append(accepted, pk.Index)
		}
	}
	sort.Ints(accepted)
	return accepted
}

// Locate runs the full localization over signal.
func Locate(signal []float64, params Params) []Interval {
	candidates := Candidates(signal, params)
	n := len(signal)

	var out []Interval
	for k, p := range candidates {
		left, right := 0, n-1
		if k > 0 {
			left = candidates[k-1]
		}
		if k+1 < len(candidates) {
			right = candidates[k+1]
		}
		iv, ok := ContractionAt(signal, p, left, right, params.MinimumContractionFrames)
		if !ok {
			continue
		}
		out = append(out, iv)
		if params.Mode == FirstOnly {
			break
		}
	}
	return out
}

// ContractionAt fits the contraction around peak p. The start combines the
// vertex of a quadratic fitted on [left, p] with the steepest discrete
// descent in that range; the end is the vertex of a quadratic fitted on
// [p, right]. It reports false for peaks within minFrames of either end of
// the signal and for fits that do not satisfy 0 <= start < p < end < N.
func ContractionAt(signal []float64, p, left, right, minFrames int) (Interval, bool) {
	n := len(signal)
	if p < minFrames || p > n-1-minFrames {
		return Interval{}, false
	}
	if left < 0 || right >= n || !(left < p && p < right) {
		return Interval{}, false
	}

	rise, ok := FitQuadratic(signal, left, p)
	if !ok {
		return Interval{}, false
	}
	fall, ok := FitQuadratic(signal, p, right)
	if !ok {
		return Interval{}, false
	}

	iv := Interval{
		Peak:          p,
		VisualRank:    levelset.Median(signal),
		QuadStart:     rise.Vertex(),
		DiscreteStart: SteepestDescent(signal, left, p),
		QuadEnd:       fall.Vertex(),
	}
	if math.IsNaN(iv.QuadEnd) {
		return Interval{}, false
	}
	iv.Start = int(math.Round(combineStart(iv.QuadStart, iv.DiscreteStart)))
	iv.End = int(math.Round(iv.QuadEnd))

	if !(0 <= iv.Start && iv.Start < iv.Peak && iv.Peak < iv.End && iv.End < n) {
		return Interval{}, false
	}
	return iv, true
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
