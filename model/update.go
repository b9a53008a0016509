package model

import "github.com/openfluke/cardioloom/config"

const (
	// CoefUpperBound and CoefLowerBound delimit the coefficient range kept
	// by RollDelays.
	CoefUpperBound float32 = 0.99
	CoefLowerBound float32 = 0.01
	// MaxDelay bounds the integer delay in samples.
	MaxDelay int32 = 1000
)

// BatchSize returns the update denominator: steps times beats per batch.
func BatchSize(cfg *config.Algorithm, steps, beats int) int {
	if cfg.BatchSize > 0 {
		return steps * cfg.BatchSize
	}
	return steps * beats
}

// Update applies accumulated gradients to gains and coefs and rolls the
// delays. Frozen parameter groups are left untouched.
func (p *APParameters) Update(gains, coefs []float32, opt *Optimizers, cfg *config.Algorithm, learningRate float32, steps, beats int) {
	batch := BatchSize(cfg, steps, beats)
	if !cfg.FreezeGains {
		p.updateGains(opt.Gains, gains, learningRate, batch)
	}
	if !cfg.FreezeDelays {
		p.updateDelays(opt.Coefs, coefs, learningRate, batch)
		p.RollDelays()
	}
}

// UpdateGains performs a plain SGD step on the gains.
func (p *APParameters) UpdateGains(grads []float32, learningRate float32, batchSize int) {
	p.updateGains(NewSGDOptimizer(), grads, learningRate, batchSize)
}

// UpdateDelays performs a plain SGD step on the coefs without rolling.
func (p *APParameters) UpdateDelays(grads []float32, learningRate float32, batchSize int) {
	p.updateDelays(NewSGDOptimizer(), grads, learningRate, batchSize)
}

func (p *APParameters) updateGains(opt Optimizer, grads []float32, learningRate float32, batchSize int) {
	opt.Step(p.Gains.Data, grads, learningRate/float32(batchSize))
}

func (p *APParameters) updateDelays(opt Optimizer, grads []float32, learningRate float32, batchSize int) {
	opt.Step(p.Coefs.Data, grads, learningRate/float32(batchSize))
}

// RollDelays keeps every coef inside [CoefLowerBound, CoefUpperBound] by
// moving one sample between the coef and the integer delay.
func (p *APParameters) RollDelays() {
	RollDelays(p.Coefs.Data, p.Delays.Data)
}

// RollDelays is the slice form of APParameters.RollDelays.
func RollDelays(coefs []float32, delays []int32) {
	for i := range coefs {
		switch {
		case coefs[i] > CoefUpperBound:
			if delays[i] > 0 {
				coefs[i] = CoefLowerBound
				delays[i]--
			} else {
				coefs[i] = CoefUpperBound
			}
		case coefs[i] < CoefLowerBound:
			if delays[i] < MaxDelay {
				coefs[i] = CoefUpperBound
				delays[i]++
			} else {
				coefs[i] = CoefLowerBound
			}
		}
	}
}
