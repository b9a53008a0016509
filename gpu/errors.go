package gpu

import "errors"

var (
	// ErrNoGPU is returned when no usable WebGPU adapter is found.
	ErrNoGPU = errors.New("gpu: no usable adapter")
	// ErrUnsupported marks configurations the device mirror does not run.
	ErrUnsupported = errors.New("gpu: unsupported configuration")
)
