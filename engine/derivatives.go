package engine

import (
	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/model"
)

// Derivatives accumulates loss gradients over a batch. Its tensors mirror
// the APParameters shapes; the FIR/IIR accumulators carry the recursive
// part of the coefficient gradient from one step to the next.
type Derivatives struct {
	Gains *model.Tensor[float32] `json:"gains"`
	Coefs *model.Tensor[float32] `json:"coefs"`

	CoefsFIR *model.Tensor[float32] `json:"coefs_fir"`
	CoefsIIR *model.Tensor[float32] `json:"coefs_iir"`

	MappedResiduals          *model.Tensor[float32] `json:"mapped_residuals"`
	MaximumRegularization    *model.Tensor[float32] `json:"maximum_regularization"`
	MaximumRegularizationSum float32                `json:"maximum_regularization_sum"`

	AverageDelays               *model.Tensor[float32] `json:"average_delays"`
	SmoothnessRegularizationSum float32                `json:"smoothness_regularization_sum"`
	DifferenceRegularizationSum float32                `json:"difference_regularization_sum"`

	Optimizers *model.Optimizers `json:"-"`
}

// NewDerivatives allocates zeroed derivatives and the optimizer selected
// by cfg.
func NewDerivatives(states int, optimizer config.Optimizer) (*Derivatives, error) {
	voxels := states / 3
	d := &Derivatives{
		Gains:                 model.NewTensor[float32](states, model.NumOffsets),
		Coefs:                 model.NewTensor[float32](voxels, model.NumDirections),
		CoefsFIR:              model.NewTensor[float32](states, model.NumOffsets),
		CoefsIIR:              model.NewTensor[float32](states, model.NumOffsets),
		MappedResiduals:       model.NewTensor[float32](states),
		MaximumRegularization: model.NewTensor[float32](states),
		AverageDelays:         model.NewTensor[float32](voxels, model.NumDirections),
	}
	opt, err := model.NewOptimizers(optimizer, d.Gains.Size(), d.Coefs.Size())
	if err != nil {
		return nil, err
	}
	d.Optimizers = opt
	return d, nil
}

// Reset zeroes all accumulators. Optimizer moments survive.
func (d *Derivatives) Reset() {
	d.Gains.Reset()
	d.Coefs.Reset()
	d.ResetBeat()
	d.MappedResiduals.Reset()
	d.MaximumRegularization.Reset()
	d.MaximumRegularizationSum = 0
	d.AverageDelays.Reset()
	d.SmoothnessRegularizationSum = 0
	d.DifferenceRegularizationSum = 0
}

// ResetBeat clears the recursive coefficient accumulators, which follow
// the filter memory and restart with every beat.
func (d *Derivatives) ResetBeat() {
	d.CoefsFIR.Reset()
	d.CoefsIIR.Reset()
}
