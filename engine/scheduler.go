package engine

import (
	"math"

	"github.com/openfluke/cardioloom/config"
)

// LRScheduler maps an epoch to a learning rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch
	GetLR(epoch int) float32

	// Name returns the scheduler name
	Name() string
}

type ConstantScheduler struct {
	baseLR float32
}

func NewConstantScheduler(baseLR float32) *ConstantScheduler {
	return &ConstantScheduler{baseLR: baseLR}
}

func (s *ConstantScheduler) GetLR(epoch int) float32 {
	return s.baseLR
}

func (s *ConstantScheduler) Name() string {
	return "Constant"
}

// StepDecayScheduler multiplies the learning rate by decayFactor every
// stepSize epochs.
type StepDecayScheduler struct {
	initialLR   float32
	decayFactor float32
	stepSize    int
}

func NewStepDecayScheduler(initialLR, decayFactor float32, stepSize int) *StepDecayScheduler {
	return &StepDecayScheduler{
		initialLR:   initialLR,
		decayFactor: decayFactor,
		stepSize:    stepSize,
	}
}

func (s *StepDecayScheduler) GetLR(epoch int) float32 {
	// lr = initialLR * decayFactor^(epoch / stepSize)
	numDecays := epoch / s.stepSize
	return s.initialLR * float32(math.Pow(float64(s.decayFactor), float64(numDecays)))
}

func (s *StepDecayScheduler) Name() string {
	return "StepDecay"
}

// NewScheduler returns the scheduler configured by the learning rate
// reduction settings.
func NewScheduler(cfg *config.Algorithm) LRScheduler {
	if cfg.LearningRateReductionInterval > 0 && cfg.LearningRateReductionFactor != 1 {
		return NewStepDecayScheduler(cfg.LearningRate, cfg.LearningRateReductionFactor, cfg.LearningRateReductionInterval)
	}
	return NewConstantScheduler(cfg.LearningRate)
}
