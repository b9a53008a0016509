package model

import "fmt"

// FunctionalDescription is the model handed to the estimation engine:
// the all-pass parameters plus the fixed matrices around them.
type FunctionalDescription struct {
	AP *APParameters `json:"ap_params"`
	// MeasurementMatrix is beats x sensors x states.
	MeasurementMatrix *Tensor[float32] `json:"measurement_matrix"`
	// ControlMatrix scales the pacing stimulus per state.
	ControlMatrix *Tensor[float32] `json:"control_matrix"`
	// ControlFunctionValues holds the stimulus amplitude per step.
	ControlFunctionValues *Tensor[float32] `json:"control_function_values"`
	// ProcessCovariance and MeasurementCovariance are the diagonals of
	// the states x states and sensors x sensors covariances.
	ProcessCovariance     *Tensor[float32] `json:"process_covariance"`
	MeasurementCovariance *Tensor[float32] `json:"measurement_covariance"`
	// KalmanGain is states x sensors.
	KalmanGain *Tensor[float32] `json:"kalman_gain"`
}

// NewFunctionalDescription allocates a zeroed description.
func NewFunctionalDescription(numStates, numSensors, numSteps, numBeats int) (*FunctionalDescription, error) {
	ap, err := NewAPParameters(numStates)
	if err != nil {
		return nil, err
	}
	if numSensors < 1 || numSteps < 1 || numBeats < 1 {
		return nil, fmt.Errorf("%w: sensors=%d steps=%d beats=%d", ErrInvalidParameters, numSensors, numSteps, numBeats)
	}
	return &FunctionalDescription{
		AP:                    ap,
		MeasurementMatrix:     NewTensor[float32](numBeats, numSensors, numStates),
		ControlMatrix:         NewTensor[float32](numStates),
		ControlFunctionValues: NewTensor[float32](numSteps),
		ProcessCovariance:     NewTensor[float32](numStates),
		MeasurementCovariance: NewTensor[float32](numSensors),
		KalmanGain:            NewTensor[float32](numStates, numSensors),
	}, nil
}

func (f *FunctionalDescription) NumStates() int  { return f.AP.NumStates() }
func (f *FunctionalDescription) NumVoxels() int  { return f.AP.NumVoxels() }
func (f *FunctionalDescription) NumBeats() int   { return f.MeasurementMatrix.Shape[0] }
func (f *FunctionalDescription) NumSensors() int { return f.MeasurementMatrix.Shape[1] }

// ControlValue returns the stimulus amplitude at step, zero past the end
// of the stored control function.
func (f *FunctionalDescription) ControlValue(step int) float32 {
	if step < 0 || step >= len(f.ControlFunctionValues.Data) {
		return 0
	}
	return f.ControlFunctionValues.Data[step]
}

// Measurement returns the sensors x states row-major matrix for beat.
func (f *FunctionalDescription) Measurement(beat int) []float32 {
	return f.MeasurementMatrix.Row(beat)
}

// Clone returns a deep copy.
func (f *FunctionalDescription) Clone() *FunctionalDescription {
	return &FunctionalDescription{
		AP:                    f.AP.Clone(),
		MeasurementMatrix:     f.MeasurementMatrix.Clone(),
		ControlMatrix:         f.ControlMatrix.Clone(),
		ControlFunctionValues: f.ControlFunctionValues.Clone(),
		ProcessCovariance:     f.ProcessCovariance.Clone(),
		MeasurementCovariance: f.MeasurementCovariance.Clone(),
		KalmanGain:            f.KalmanGain.Clone(),
	}
}

// Validate checks that all fixed matrices agree with the parameter shapes
// and that the covariances are positive.
func (f *FunctionalDescription) Validate() error {
	if err := f.AP.Validate(); err != nil {
		return err
	}
	n, m := f.NumStates(), f.NumSensors()
	if len(f.MeasurementMatrix.Shape) != 3 || f.MeasurementMatrix.Shape[2] != n {
		return fmt.Errorf("%w: measurement matrix %v for %d states", ErrShapeMismatch, f.MeasurementMatrix.Shape, n)
	}
	if f.ControlMatrix.Size() != n || f.ProcessCovariance.Size() != n {
		return fmt.Errorf("%w: control matrix or process covariance not sized %d", ErrShapeMismatch, n)
	}
	if f.MeasurementCovariance.Size() != m {
		return fmt.Errorf("%w: measurement covariance not sized %d", ErrShapeMismatch, m)
	}
	if f.KalmanGain.Size() != n*m {
		return fmt.Errorf("%w: kalman gain %v, want %dx%d", ErrShapeMismatch, f.KalmanGain.Shape, n, m)
	}
	for i, v := range f.ProcessCovariance.Data {
		if v <= 0 {
			return fmt.Errorf("%w: process covariance %f at %d not positive", ErrInvalidParameters, v, i)
		}
	}
	for i, v := range f.MeasurementCovariance.Data {
		if v <= 0 {
			return fmt.Errorf("%w: measurement covariance %f at %d not positive", ErrInvalidParameters, v, i)
		}
	}
	return nil
}
