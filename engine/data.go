package engine

import "github.com/openfluke/cardioloom/model"

// Data is the observed side of a run: sensor traces per beat and,
// when simulated, the reference system states of the first beat.
type Data struct {
	// Measurements is beats x steps x sensors.
	Measurements *model.Tensor[float32] `json:"measurements"`
	// SystemStates is steps x states; nil for measured data.
	SystemStates *model.Tensor[float32] `json:"system_states,omitempty"`
}

// NewData allocates zeroed measurements and reference states.
func NewData(beats, steps, sensors, states int) *Data {
	return &Data{
		Measurements: model.NewTensor[float32](beats, steps, sensors),
		SystemStates: model.NewTensor[float32](steps, states),
	}
}

func (d *Data) NumBeats() int   { return d.Measurements.Shape[0] }
func (d *Data) NumSteps() int   { return d.Measurements.Shape[1] }
func (d *Data) NumSensors() int { return d.Measurements.Shape[2] }

// Measurement returns the sensor vector observed at (beat, step).
func (d *Data) Measurement(beat, step int) []float32 {
	m := d.NumSensors()
	off := (beat*d.NumSteps() + step) * m
	return d.Measurements.Data[off : off+m]
}
