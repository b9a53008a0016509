package engine

import (
	"github.com/chewxy/math32"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/model"
)

// CalculateStepDerivatives accumulates the gradients of one step in the
// order of the forward pass: residual mapping, maximum regularization,
// gains, coefs.
func CalculateStepDerivatives(d *Derivatives, est *Estimations, fd *model.FunctionalDescription, cfg *config.Algorithm, beat, step, workers int) {
	CalculateMappedResiduals(d, est.Residuals.Data, fd.Measurement(beat))
	CalculateMaximumRegularization(d, est.StatesAt(step), cfg.MaximumRegularizationThreshold)
	numSensors := est.NumSensors()
	CalculateDerivativesGains(d, est, cfg, numSensors)
	switch cfg.APDerivative {
	case config.Simple:
		CalculateDerivativesCoefsSimple(d, est, fd.AP, cfg, step, numSensors, workers)
	default:
		CalculateDerivativesCoefsTextbook(d, est, fd.AP, cfg, step, numSensors, workers)
	}
}

// CalculateMappedResiduals projects the residuals back into state space:
// mapped = H^T r.
func CalculateMappedResiduals(d *Derivatives, residuals, h []float32) {
	mapped := d.MappedResiduals.Data
	n := len(mapped)
	for s := range mapped {
		var sum float32
		for j, r := range residuals {
			sum += h[j*n+s] * r
		}
		mapped[s] = sum
	}
}

// CalculateMaximumRegularization penalizes voxels whose current density
// L1 norm exceeds threshold. The penalty of a voxel is (|x|+|y|+|z| -
// threshold)^2; its gradient factor per state is the excess times the
// sign of the state.
func CalculateMaximumRegularization(d *Derivatives, states []float32, threshold float32) {
	reg := d.MaximumRegularization.Data
	d.MaximumRegularizationSum = 0
	for v := 0; v+2 < len(states); v += 3 {
		sum := math32.Abs(states[v]) + math32.Abs(states[v+1]) + math32.Abs(states[v+2])
		if sum > threshold {
			excess := sum - threshold
			d.MaximumRegularizationSum += excess * excess
			for i := v; i < v+3; i++ {
				reg[i] = excess * sign(states[i])
			}
		} else {
			reg[v], reg[v+1], reg[v+2] = 0, 0, 0
		}
	}
}

func sign(x float32) float32 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// stateGradient returns dL/dx for state s of the current step.
func stateGradient(d *Derivatives, cfg *config.Algorithm, numSensors, s int) float32 {
	return -cfg.MSEStrength/float32(numSensors)*d.MappedResiduals.Data[s] +
		cfg.MaximumRegularizationStrength*d.MaximumRegularization.Data[s]
}

// CalculateDerivativesGains adds dL/dgain[s,o] = y[s,o] * dL/dx[s].
func CalculateDerivativesGains(d *Derivatives, est *Estimations, cfg *config.Algorithm, numSensors int) {
	grads := d.Gains.Data
	y := est.ApOutputsNow.Data
	for s := 0; s < est.NumStates(); s++ {
		g := stateGradient(d, cfg, numSensors, s)
		if g == 0 {
			continue
		}
		row := s * model.NumOffsets
		for o := 0; o < model.NumOffsets; o++ {
			grads[row+o] += y[row+o] * g
		}
	}
}

// CalculateDerivativesCoefsTextbook carries the exact one-step recursion
// of the all-pass output y[t] = a*(x[t-d] - y[t-1]) + x[t-d-1]:
//
//	dy[t]/da = x[t-d] - y[t-1] - a * dy[t-1]/da
//
// split into an FIR part driven by the input and an IIR part driven by
// the previous output.
func CalculateDerivativesCoefsTextbook(d *Derivatives, est *Estimations, ap *model.APParameters, cfg *config.Algorithm, step, numSensors, workers int) {
	calculateDerivativesCoefs(d, est, ap, cfg, step, numSensors, workers, true)
}

// CalculateDerivativesCoefsSimple drops the recursive term and uses
// dy[t]/da = x[t-d] - y[t-1].
func CalculateDerivativesCoefsSimple(d *Derivatives, est *Estimations, ap *model.APParameters, cfg *config.Algorithm, step, numSensors, workers int) {
	calculateDerivativesCoefs(d, est, ap, cfg, step, numSensors, workers, false)
}

func calculateDerivativesCoefs(d *Derivatives, est *Estimations, ap *model.APParameters, cfg *config.Algorithm, step, numSensors, workers int, recursive bool) {
	numStates := est.NumStates()
	states := est.SystemStates.Data
	last := est.ApOutputsLast.Data
	osi := ap.OutputStateIndices.Data
	gains := ap.Gains.Data
	coefs := ap.Coefs.Data
	delays := ap.Delays.Data
	fir := d.CoefsFIR.Data
	iir := d.CoefsIIR.Data
	out := d.Coefs.Data

	forEachChunk(numStates/3, workers, func(start, end int) {
		for v := start; v < end; v++ {
			dirRow := v * model.NumDirections
			for s := 3 * v; s < 3*v+3; s++ {
				g := stateGradient(d, cfg, numSensors, s)
				row := s * model.NumOffsets
				for o := 0; o < model.NumOffsets; o++ {
					up := osi[row+o]
					if up == model.NoState {
						continue
					}
					a := coefs[dirRow+o/3]
					input := tapInput(states, numStates, step, int(delays[dirRow+o/3]), int(up))
					if recursive {
						fir[row+o] = input - a*fir[row+o]
						iir[row+o] = -last[row+o] - a*iir[row+o]
					} else {
						fir[row+o] = input
						iir[row+o] = -last[row+o]
					}
					out[dirRow+o/3] += gains[row+o] * (fir[row+o] + iir[row+o]) * g
				}
			}
		}
	})
}

// CalculateAverageDelays converts every coef/delay pair into a fractional
// delay in samples.
func CalculateAverageDelays(d *Derivatives, ap *model.APParameters) {
	for i := range d.AverageDelays.Data {
		d.AverageDelays.Data[i] = ap.AverageDelay(i)
	}
}

// averageDelayDerivative is d(avg delay)/d(coef).
func averageDelayDerivative(a float32) float32 {
	return -2 / ((1 + a) * (1 + a))
}

// CalculateSmoothnessDerivatives penalizes differences between the
// average delay of a voxel and of its neighbours in the same direction:
//
//	P = strength * sum_{v,dir} sum_{w in N(v)} (D[v,dir] - D[w,dir])^2
//
// Neighbourhoods are symmetric, so each pair contributes twice and the
// gradient is 4*strength*sum_w (D[v,dir]-D[w,dir]) * dD/da.
func CalculateSmoothnessDerivatives(d *Derivatives, ap *model.APParameters, strength float32) {
	d.SmoothnessRegularizationSum = 0
	if strength == 0 {
		return
	}
	avg := d.AverageDelays.Data
	for v := 0; v < ap.NumVoxels(); v++ {
		for dir := 0; dir < model.NumDirections; dir++ {
			if !ap.Connected(v, dir) {
				continue
			}
			i := v*model.NumDirections + dir
			var diffSum, penalty float32
			for nd := 0; nd < model.NumDirections; nd++ {
				w, ok := ap.Neighbour(v, nd)
				if !ok || !ap.Connected(w, dir) {
					continue
				}
				diff := avg[i] - avg[w*model.NumDirections+dir]
				diffSum += diff
				penalty += diff * diff
			}
			d.SmoothnessRegularizationSum += strength * penalty
			d.Coefs.Data[i] += 4 * strength * diffSum * averageDelayDerivative(ap.Coefs.Data[i])
		}
	}
}

// CalculateDifferenceDerivatives pulls average delays towards their
// initial values: P = strength * sum (D - D0)^2.
func CalculateDifferenceDerivatives(d *Derivatives, ap *model.APParameters, strength float32) {
	d.DifferenceRegularizationSum = 0
	if strength == 0 {
		return
	}
	avg := d.AverageDelays.Data
	initial := ap.InitialDelays.Data
	for v := 0; v < ap.NumVoxels(); v++ {
		for dir := 0; dir < model.NumDirections; dir++ {
			if !ap.Connected(v, dir) {
				continue
			}
			i := v*model.NumDirections + dir
			diff := avg[i] - initial[i]
			d.DifferenceRegularizationSum += strength * diff * diff
			d.Coefs.Data[i] += 2 * strength * diff * averageDelayDerivative(ap.Coefs.Data[i])
		}
	}
}

// CalculateBatchDerivatives adds the batch-level regularization gradients
// right before a parameter update.
func CalculateBatchDerivatives(d *Derivatives, ap *model.APParameters, cfg *config.Algorithm) {
	CalculateAverageDelays(d, ap)
	CalculateSmoothnessDerivatives(d, ap, cfg.SmoothnessRegularizationStrength)
	CalculateDifferenceDerivatives(d, ap, cfg.DifferenceRegularizationStrength)
}
