package engine

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/cardioloom/model"
)

// Simulate runs the prediction engine over fd without refinement and
// returns the resulting measurements, with optional Gaussian noise, and
// the reference system states of the first beat.
func Simulate(fd *model.FunctionalDescription, steps int, noiseStd float32, seed int64) (*Data, error) {
	if err := fd.Validate(); err != nil {
		return nil, fmt.Errorf("simulation: %w", err)
	}
	if steps < 1 {
		return nil, fmt.Errorf("%w: simulation needs at least one step", ErrDimensionMismatch)
	}
	beats, sensors, states := fd.NumBeats(), fd.NumSensors(), fd.NumStates()
	data := NewData(beats, steps, sensors, states)
	est := NewEstimations(states, sensors, steps, beats)
	rng := rand.New(rand.NewSource(seed))

	for beat := 0; beat < beats; beat++ {
		est.ResetBeat()
		for step := 0; step < steps; step++ {
			CalculateSystemPrediction(est, fd, beat, step, 0)
			y := data.Measurement(beat, step)
			copy(y, est.MeasurementAt(beat, step))
			if noiseStd > 0 {
				for j := range y {
					y[j] += noiseStd * float32(rng.NormFloat64())
				}
			}
		}
		if beat == 0 {
			copy(data.SystemStates.Data, est.SystemStates.Data)
		}
	}
	return data, nil
}
