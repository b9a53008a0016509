package model

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/openfluke/cardioloom/config"
)

// Optimizer applies a scaled gradient to a flat parameter slice.
type Optimizer interface {
	// Step updates params in place: params -= scale * direction(grads).
	Step(params, grads []float32, scale float32)

	// Reset clears optimizer state (moments, step count).
	Reset()

	// Name returns the optimizer name
	Name() string
}

// ============================================================================
// SGD Optimizer
// ============================================================================

type SGDOptimizer struct{}

func NewSGDOptimizer() *SGDOptimizer {
	return &SGDOptimizer{}
}

func (opt *SGDOptimizer) Step(params, grads []float32, scale float32) {
	for i := range params {
		params[i] -= scale * grads[i]
	}
}

func (opt *SGDOptimizer) Reset() {}

func (opt *SGDOptimizer) Name() string {
	return "SGD"
}

// ============================================================================
// Adam Optimizer
// ============================================================================

const (
	AdamBeta1   float32 = 0.9
	AdamBeta2   float32 = 0.999
	AdamEpsilon float32 = 1e-8
)

type AdamOptimizer struct {
	beta1   float32
	beta2   float32
	epsilon float32
	step    int

	// First moment estimates
	M []float32 `json:"m"`
	// Second moment estimates
	V []float32 `json:"v"`
}

func NewAdamOptimizer(size int) *AdamOptimizer {
	return &AdamOptimizer{
		beta1:   AdamBeta1,
		beta2:   AdamBeta2,
		epsilon: AdamEpsilon,
		M:       make([]float32, size),
		V:       make([]float32, size),
	}
}

// Step applies one bias-corrected Adam update.
func (opt *AdamOptimizer) Step(params, grads []float32, scale float32) {
	opt.step++
	c1 := 1 - math32.Pow(opt.beta1, float32(opt.step))
	c2 := 1 - math32.Pow(opt.beta2, float32(opt.step))
	for i := range params {
		g := grads[i]
		opt.M[i] = opt.beta1*opt.M[i] + (1-opt.beta1)*g
		opt.V[i] = opt.beta2*opt.V[i] + (1-opt.beta2)*g*g
		mHat := opt.M[i] / c1
		vHat := opt.V[i] / c2
		params[i] -= scale * mHat / (math32.Sqrt(vHat) + opt.epsilon)
	}
}

func (opt *AdamOptimizer) Reset() {
	opt.step = 0
	clear(opt.M)
	clear(opt.V)
}

// Restore sets the moments and step count, e.g. after they were
// computed on a device.
func (opt *AdamOptimizer) Restore(m, v []float32, step int) {
	copy(opt.M, m)
	copy(opt.V, v)
	opt.step = step
}

// StepCount returns the number of updates applied so far.
func (opt *AdamOptimizer) StepCount() int {
	return opt.step
}

func (opt *AdamOptimizer) Name() string {
	return "Adam"
}

// Optimizers pairs the gain and coefficient optimizers of one run.
type Optimizers struct {
	Gains Optimizer
	Coefs Optimizer
}

// NewOptimizers builds the optimizers selected by kind.
func NewOptimizers(kind config.Optimizer, numGains, numCoefs int) (*Optimizers, error) {
	switch kind {
	case config.SGD:
		return &Optimizers{Gains: NewSGDOptimizer(), Coefs: NewSGDOptimizer()}, nil
	case config.Adam:
		return &Optimizers{Gains: NewAdamOptimizer(numGains), Coefs: NewAdamOptimizer(numCoefs)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q", config.ErrInvalidConfig, kind)
	}
}

func (o *Optimizers) Reset() {
	o.Gains.Reset()
	o.Coefs.Reset()
}
