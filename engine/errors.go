package engine

import "errors"

var (
	// ErrDimensionMismatch is returned when model, data and results disagree.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrSingularInnovation is returned when the innovation covariance
	// cannot be inverted.
	ErrSingularInnovation = errors.New("singular innovation covariance")
)
