// Package cardio converts cell elongation into contractile force with a
// closed-form elastic half-space model.
//
// The cell's footprint on the gel is discretized into Resolution rectangular
// elements along its long axis. A tangential stress profile of a chosen
// shape is applied to the elements, the surface displacement it causes is
// obtained from the Cerruti solution for an incompressible half-space, and
// the stress magnitude is calibrated so that the displacement of the cell
// end equals half the observed elongation.
package cardio

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"cardiocontract/internal/models"
	"cardiocontract/pkg/units"
)

// ModelParams configures a Model.
type ModelParams struct {
	// ShapeExponent selects the applied stress distribution: 0 is a dipole
	// at the cell ends, N > 0 is (x/a)^N, N < 0 is the Boussinesq-Cerruti
	// distribution (x/a)/sqrt(1-(x/a)²).
	ShapeExponent int

	// ShearVelocity is the shear wave velocity of the gel.
	ShearVelocity units.Velocity

	// Density is the gel density.
	Density units.Density

	// Resolution is the number of elements along the cell axis.
	Resolution int
}

// DefaultModelParams returns a dipole model on a 1 m/s gel.
func DefaultModelParams() ModelParams {
	return ModelParams{
		ShapeExponent: 0,
		ShearVelocity: units.Velocity(100),
		Density:       units.GelDensity,
		Resolution:    1000,
	}
}

// Validate checks parameter ranges.
func (p ModelParams) Validate() error {
	if !(p.ShearVelocity > 0) {
		return fmt.Errorf("%w: shear velocity must be positive, got %s", models.ErrInvalidInput, p.ShearVelocity)
	}
	if !(p.Density > 0) {
		return fmt.Errorf("%w: gel density must be positive, got %s", models.ErrInvalidInput, p.Density)
	}
	if p.Resolution < 4 {
		return fmt.Errorf("%w: resolution %d is below 4", models.ErrInvalidInput, p.Resolution)
	}
	return nil
}

// Result holds the physical outputs of one Solve.
type Result struct {
	TotalReactiveForce       units.Force
	MomentOfDipole           float64 // dyn·cm
	AverageContactStress     float64 // dyn/cm²
	AverageContractionStrain float64
	Shear                    float64 // shear modulus, dyn/cm²
}

// Model solves the half-space problem for a fixed gel and stress shape.
type Model struct {
	params ModelParams
	shear  float64
	shape  []float64
}

// NewModel validates params and precomputes the stress shape.
func NewModel(params ModelParams) (*Model, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Model{
		params: params,
		shear:  units.ShearModulus(params.Density, params.ShearVelocity),
		shape:  StressShape(params.ShapeExponent, params.Resolution),
	}, nil
}

// Params returns the model parameters.
func (m *Model) Params() ModelParams { return m.params }

// Shear returns the gel shear modulus in dyn/cm².
func (m *Model) Shear() float64 { return m.shear }

// Solve computes the reactive force of a cell of the given length and width
// that has shortened by elongation. Thickness does not enter the surface
// solution and is only validated.
func (m *Model) Solve(length, elongation, width, thickness units.Length) (Result, error) {
	if !(length > 0) || !(width > 0) {
		return Result{}, fmt.Errorf("%w: cell length %s and width %s must be positive",
			models.ErrInvalidInput, length, width)
	}
	if thickness < 0 || elongation < 0 {
		return Result{}, fmt.Errorf("%w: negative thickness or elongation", models.ErrInvalidInput)
	}

	n := m.params.Resolution
	l := float64(length)
	w := float64(width)
	dx := l / float64(n)
	a := l / 2

	flex := influenceMatrix(n, dx, w, m.shear)

	q := mat.NewVecDense(n, m.shape)
	var u mat.VecDense
	u.MulVec(flex, q)
	if u.AtVec(0) == 0 {
		return Result{}, fmt.Errorf("%w: zero calibration displacement", models.ErrNumericDegenerate)
	}
	scale := (float64(elongation) / 2) / u.AtVec(0)

	force := make([]float64, n)
	floats.ScaleTo(force, scale*dx*w, m.shape)

	total := floats.Sum(force[:n/2])
	moment := 0.0
	for i, f := range force {
		x := -a + (float64(i)+0.5)*dx
		moment -= x * f
	}

	return Result{
		TotalReactiveForce:       units.Force(total),
		MomentOfDipole:           moment,
		AverageContactStress:     total / (w * l / 2),
		AverageContractionStrain: float64(elongation) / l,
		Shear:                    m.shear,
	}, nil
}

// StressShape returns the odd-symmetric applied stress profile sampled at
// n element centres over [-a, a].
func StressShape(exponent, n int) []float64 {
	q := make([]float64, n)
	if exponent == 0 {
		q[0] = 1
		q[n-1] = -1
		return q
	}
	for i := range q {
		t := -1 + (float64(i)+0.5)*2/float64(n)
		if exponent > 0 {
			q[i] = -math.Copysign(math.Pow(math.Abs(t), float64(exponent)), t)
		} else {
			q[i] = -t / math.Sqrt(1-t*t)
		}
	}
	return q
}

// influenceMatrix returns the flexibility matrix of n elements of size
// dx × width: entry (i, j) is the displacement along the axis at the centre
// of element i under unit tangential stress on element j. The matrix is
// symmetric Toeplitz, so only the first row is integrated.
func influenceMatrix(n int, dx, width, shear float64) *mat.SymDense {
	row := make([]float64, n)
	hx, hy := dx/2, width/2
	c := 1 / (4 * math.Pi * shear)
	for j := range row {
		d := float64(j) * dx
		row[j] = c * rectangle(d-hx, d+hx, -hy, hy)
	}

	data := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			k := i - j
			if k < 0 {
				k = -k
			}
			data[i*n+j] = row[k]
		}
	}
	return mat.NewSymDense(n, data)
}

// rectangle integrates the incompressible Cerruti kernel 1/r + x²/r³ over
// [x1,x2]×[y1,y2].
func rectangle(x1, x2, y1, y2 float64) float64 {
	return cerruti(x2, y2) - cerruti(x1, y2) - cerruti(x2, y1) + cerruti(x1, y1)
}

// cerruti is an antiderivative of 1/r + x²/r³: x·ln(y+r) + 2y·ln(x+r).
func cerruti(x, y float64) float64 {
	r := math.Hypot(x, y)
	return logTerm(x, y, r) + 2*logTerm(y, x, r)
}

// logTerm evaluates coef·ln(v+r) with r = hypot(coef, v), taking the limit
// 0 when coef is zero and rewriting v+r as coef²/(r-v) for negative v.
func logTerm(coef, v, r float64) float64 {
	if coef == 0 {
		return 0
	}
	if v >= 0 {
		return coef * math.Log(v+r)
	}
	return coef * math.Log(coef*coef/(r-v))
}
