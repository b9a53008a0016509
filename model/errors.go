package model

import "errors"

var (
	// ErrShapeMismatch is returned when two containers disagree on dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidParameters is returned for out-of-range coefficients,
	// delays or covariances.
	ErrInvalidParameters = errors.New("invalid model parameters")
)
