package models

import "errors"

// Error taxonomy shared by the analysis packages. A peak rejected for being
// too close to the signal boundary is not an error and has no sentinel.
var (
	// ErrInvalidInput reports mismatched sizes, too few frames or a non-square matrix.
	ErrInvalidInput = errors.New("invalid input")

	// ErrComputationAborted reports a similarity fill that was cancelled mid-flight.
	ErrComputationAborted = errors.New("computation aborted")

	// ErrCacheMiss reports a persisted cache that is absent or sized for another input.
	ErrCacheMiss = errors.New("cache miss")

	// ErrNumericDegenerate reports a computation with no defined value, such
	// as a cardio model whose calibration displacement is zero.
	ErrNumericDegenerate = errors.New("numeric degenerate")
)
