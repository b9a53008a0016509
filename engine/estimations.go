package engine

import (
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/cardioloom/model"
)

// Estimations is the mutable simulation state of a run. The filter
// memory in ApOutputsNow carries across steps and is only cleared by a
// reset.
type Estimations struct {
	// SystemStates is steps x states.
	SystemStates *model.Tensor[float32] `json:"system_states"`
	// ApOutputsNow and ApOutputsLast are states x offsets: the all-pass
	// output of the current and the previous step.
	ApOutputsNow  *model.Tensor[float32] `json:"ap_outputs_now"`
	ApOutputsLast *model.Tensor[float32] `json:"ap_outputs_last"`
	// Measurements is beats x steps x sensors.
	Measurements *model.Tensor[float32] `json:"measurements"`
	// Residuals holds actual minus predicted measurements of the current step.
	Residuals           *model.Tensor[float32] `json:"residuals"`
	PostUpdateResiduals *model.Tensor[float32] `json:"post_update_residuals"`

	// State covariances are stored sparsely as states x (1 + offsets):
	// column 0 is the variance of the state, column 1+o the covariance
	// with the upstream state of tap o.
	StateCovariancePred  *model.Tensor[float32] `json:"state_covariance_pred"`
	StateCovarianceEst   *model.Tensor[float32] `json:"state_covariance_est"`
	InnovationCovariance *model.Tensor[float32] `json:"innovation_covariance"`
	KalmanGainConverged  bool                   `json:"kalman_gain_converged"`

	kalman *kalmanWorkspace
}

type kalmanWorkspace struct {
	pht  *mat.Dense // states x sensors, P_pred * H^T
	s    *mat.Dense // sensors x sensors
	sInv *mat.Dense
	k    *mat.Dense // states x sensors
}

// NewEstimations allocates zeroed estimations.
func NewEstimations(states, sensors, steps, beats int) *Estimations {
	return &Estimations{
		SystemStates:         model.NewTensor[float32](steps, states),
		ApOutputsNow:         model.NewTensor[float32](states, model.NumOffsets),
		ApOutputsLast:        model.NewTensor[float32](states, model.NumOffsets),
		Measurements:         model.NewTensor[float32](beats, steps, sensors),
		Residuals:            model.NewTensor[float32](sensors),
		PostUpdateResiduals:  model.NewTensor[float32](sensors),
		StateCovariancePred:  model.NewTensor[float32](states, 1+model.NumOffsets),
		StateCovarianceEst:   model.NewTensor[float32](states, 1+model.NumOffsets),
		InnovationCovariance: model.NewTensor[float32](sensors, sensors),
	}
}

func (e *Estimations) NumStates() int  { return e.SystemStates.Shape[1] }
func (e *Estimations) NumSteps() int   { return e.SystemStates.Shape[0] }
func (e *Estimations) NumSensors() int { return e.Residuals.Shape[0] }

// Reset zeroes every array. The Kalman convergence flag is kept.
func (e *Estimations) Reset() {
	e.ResetBeat()
	e.Measurements.Reset()
	e.StateCovariancePred.Reset()
	e.StateCovarianceEst.Reset()
	e.InnovationCovariance.Reset()
}

// ResetBeat clears the per-beat simulation state: system states, filter
// memory and residuals.
func (e *Estimations) ResetBeat() {
	e.SystemStates.Reset()
	e.ApOutputsNow.Reset()
	e.ApOutputsLast.Reset()
	e.Residuals.Reset()
	e.PostUpdateResiduals.Reset()
}

// StatesAt returns the system state vector of step.
func (e *Estimations) StatesAt(step int) []float32 {
	return e.SystemStates.Row(step)
}

// MeasurementAt returns the predicted sensor vector of (beat, step).
func (e *Estimations) MeasurementAt(beat, step int) []float32 {
	m := e.NumSensors()
	off := (beat*e.NumSteps() + step) * m
	return e.Measurements.Data[off : off+m]
}
