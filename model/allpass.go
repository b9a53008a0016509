package model

import (
	"fmt"

	"github.com/chewxy/math32"
)

// APParameters holds the all-pass network. Gains and output state
// indices are per (state, offset); coefs and delays are per (voxel,
// direction), where voxel = state/3 and direction = offset/3.
type APParameters struct {
	Gains              *Tensor[float32] `json:"gains"`
	OutputStateIndices *Tensor[int32]   `json:"output_state_indices"`
	Coefs              *Tensor[float32] `json:"coefs"`
	Delays             *Tensor[int32]   `json:"delays"`
	// InitialDelays holds the average delays at construction time and
	// anchors the difference regularization.
	InitialDelays *Tensor[float32] `json:"initial_delays"`
}

// NewAPParameters allocates parameters for numStates states with every
// tap unconnected.
func NewAPParameters(numStates int) (*APParameters, error) {
	if numStates <= 0 || numStates%3 != 0 {
		return nil, fmt.Errorf("%w: number of states %d is not a positive multiple of 3", ErrInvalidParameters, numStates)
	}
	numVoxels := numStates / 3
	p := &APParameters{
		Gains:              NewTensor[float32](numStates, NumOffsets),
		OutputStateIndices: NewTensor[int32](numStates, NumOffsets),
		Coefs:              NewTensor[float32](numVoxels, NumDirections),
		Delays:             NewTensor[int32](numVoxels, NumDirections),
		InitialDelays:      NewTensor[float32](numVoxels, NumDirections),
	}
	p.OutputStateIndices.Fill(NoState)
	return p, nil
}

func (p *APParameters) NumStates() int { return p.Gains.Shape[0] }
func (p *APParameters) NumVoxels() int { return p.Coefs.Shape[0] }

// Clone returns a deep copy.
func (p *APParameters) Clone() *APParameters {
	return &APParameters{
		Gains:              p.Gains.Clone(),
		OutputStateIndices: p.OutputStateIndices.Clone(),
		Coefs:              p.Coefs.Clone(),
		Delays:             p.Delays.Clone(),
		InitialDelays:      p.InitialDelays.Clone(),
	}
}

// AverageDelay returns the fractional delay in samples encoded by the
// coef/delay pair at flat index i.
func (p *APParameters) AverageDelay(i int) float32 {
	return float32(p.Delays.Data[i]) + FromCoefToSamples(p.Coefs.Data[i])
}

// StoreInitialDelays snapshots the current average delays.
func (p *APParameters) StoreInitialDelays() {
	for i := range p.InitialDelays.Data {
		p.InitialDelays.Data[i] = p.AverageDelay(i)
	}
}

// Connected reports whether direction dir of voxel v has an upstream voxel.
func (p *APParameters) Connected(v, dir int) bool {
	return p.OutputStateIndices.Data[3*v*NumOffsets+3*dir] != NoState
}

// Neighbour returns the voxel feeding direction dir of voxel v.
func (p *APParameters) Neighbour(v, dir int) (int, bool) {
	s := p.OutputStateIndices.Data[3*v*NumOffsets+3*dir]
	if s == NoState {
		return 0, false
	}
	return int(s) / 3, true
}

// Validate checks shapes and value ranges.
func (p *APParameters) Validate() error {
	n := p.NumStates()
	if !p.Gains.SameShape(p.OutputStateIndices.Shape) {
		return fmt.Errorf("%w: gains %v vs output state indices %v", ErrShapeMismatch, p.Gains.Shape, p.OutputStateIndices.Shape)
	}
	if !p.Coefs.SameShape([]int{n / 3, NumDirections}) || len(p.Delays.Data) != len(p.Coefs.Data) {
		return fmt.Errorf("%w: coefs/delays must be %dx%d", ErrShapeMismatch, n/3, NumDirections)
	}
	for i, s := range p.OutputStateIndices.Data {
		if s != NoState && (s < 0 || int(s) >= n) {
			return fmt.Errorf("%w: output state index %d at %d out of range", ErrInvalidParameters, s, i)
		}
	}
	for i, c := range p.Coefs.Data {
		if c < 0 || c > 1 || math32.IsNaN(c) {
			return fmt.Errorf("%w: coef %f at %d outside [0,1]", ErrInvalidParameters, c, i)
		}
		if p.Delays.Data[i] < 0 || p.Delays.Data[i] > MaxDelay {
			return fmt.Errorf("%w: delay %d at %d outside [0,%d]", ErrInvalidParameters, p.Delays.Data[i], i, MaxDelay)
		}
	}
	return nil
}

// FromCoefToSamples returns the fractional delay of a first order
// all-pass section with coefficient a.
func FromCoefToSamples(a float32) float32 {
	return (1 - a) / (1 + a)
}

// FromSamplesToCoef returns the all-pass coefficient approximating the
// fractional part of a delay given in samples.
func FromSamplesToCoef(samples float32) float32 {
	f := samples - math32.Floor(samples)
	c := (1 - f) / (1 + f)
	// Keep the coef inside the roll bounds, otherwise the first update
	// would shift whole-sample delays even with a zero learning rate.
	if c < CoefLowerBound {
		c = CoefLowerBound
	}
	if c > CoefUpperBound {
		c = CoefUpperBound
	}
	return c
}

// FromSamplesToDelay returns the integer part of a delay in samples.
func FromSamplesToDelay(samples float32) int32 {
	return int32(samples)
}
