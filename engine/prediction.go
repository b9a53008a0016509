package engine

import (
	"github.com/chewxy/math32"

	"github.com/openfluke/cardioloom/model"
)

// CalculateSystemPrediction advances the simulation by one step:
// innovate the states through the all-pass network, inject the control
// input and project onto the sensors of beat.
func CalculateSystemPrediction(est *Estimations, fd *model.FunctionalDescription, beat, step, workers int) {
	InnovateSystemStates(est, fd.AP, step, workers)
	AddControlFunction(est, fd, step)
	PredictMeasurements(est, fd, beat, step)
}

// InnovateSystemStates runs every all-pass tap once for step. Taps of one
// state are evaluated in offset order; states are independent.
func InnovateSystemStates(est *Estimations, ap *model.APParameters, step, workers int) {
	numStates := est.NumStates()
	if ap.OutputStateIndices == nil || ap.OutputStateIndices.Size() != numStates*model.NumOffsets {
		panic("engine: output state indices not initialized")
	}
	states := est.SystemStates.Data
	osi := ap.OutputStateIndices.Data
	gains := ap.Gains.Data
	coefs := ap.Coefs.Data
	delays := ap.Delays.Data
	now := est.ApOutputsNow.Data
	last := est.ApOutputsLast.Data

	forEachChunk(numStates, workers, func(start, end int) {
		for s := start; s < end; s++ {
			row := s * model.NumOffsets
			dirRow := (s / 3) * model.NumDirections
			var acc float32
			for o := 0; o < model.NumOffsets; o++ {
				up := osi[row+o]
				if up == model.NoState {
					continue
				}
				coef := coefs[dirRow+o/3]
				delay := int(delays[dirRow+o/3])

				// A zero delay degenerates to y = a*(0 - y) + x[step-1]; the
				// GPU innovate kernel reads the same way.
				input := tapInput(states, numStates, step, delay, int(up))
				inputDelayed := tapInput(states, numStates, step, delay+1, int(up))

				y := now[row+o]
				last[row+o] = y
				y = coef*(input-y) + inputDelayed
				now[row+o] = y
				acc += gains[row+o] * y
			}
			states[step*numStates+s] += acc
		}
	})
}

// tapInput returns x[step-delay] of state up, or zero before the start of
// the beat. The current step is read before its innovation, so a zero
// delay contributes no input.
func tapInput(states []float32, numStates, step, delay, up int) float32 {
	if delay > 0 && delay <= step {
		return states[(step-delay)*numStates+up]
	}
	return 0
}

// AddControlFunction injects the pacing stimulus of step.
func AddControlFunction(est *Estimations, fd *model.FunctionalDescription, step int) {
	u := fd.ControlValue(step)
	if u == 0 {
		return
	}
	x := est.StatesAt(step)
	for s, c := range fd.ControlMatrix.Data {
		x[s] += u * c
	}
}

// PredictMeasurements computes H[beat] * x[step].
func PredictMeasurements(est *Estimations, fd *model.FunctionalDescription, beat, step int) {
	project(est.MeasurementAt(beat, step), fd.Measurement(beat), est.StatesAt(step))
}

func project(dst, h, x []float32) {
	n := len(x)
	for j := range dst {
		row := h[j*n : (j+1)*n]
		var sum float32
		for i, v := range x {
			sum += row[i] * v
		}
		dst[j] = sum
	}
}

// ConstrainSystemStates scales every voxel triple whose L1 norm exceeds
// threshold back onto the threshold.
func ConstrainSystemStates(est *Estimations, step int, threshold float32) {
	x := est.StatesAt(step)
	for v := 0; v+2 < len(x); v += 3 {
		sum := math32.Abs(x[v]) + math32.Abs(x[v+1]) + math32.Abs(x[v+2])
		if sum > threshold {
			f := threshold / sum
			x[v] *= f
			x[v+1] *= f
			x[v+2] *= f
		}
	}
}
