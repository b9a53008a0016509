package engine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/cardioloom/model"
)

// pseudoInverseTolerance is the absolute singular value cutoff.
const pseudoInverseTolerance = 1e-5

// PseudoInverse solves H[beat] x = y in the least-squares sense with a
// truncated SVD. Factorizations are computed once per beat.
type PseudoInverse struct {
	svd  []*mat.SVD
	rank []int
}

// NewPseudoInverse prepares a solver for every beat of fd.
func NewPseudoInverse(fd *model.FunctionalDescription) *PseudoInverse {
	return &PseudoInverse{
		svd:  make([]*mat.SVD, fd.NumBeats()),
		rank: make([]int, fd.NumBeats()),
	}
}

func (p *PseudoInverse) factorize(fd *model.FunctionalDescription, beat int) (*mat.SVD, int, error) {
	if p.svd[beat] != nil {
		return p.svd[beat], p.rank[beat], nil
	}
	h := mat.NewDense(fd.NumSensors(), fd.NumStates(), float32To64(fd.Measurement(beat)))
	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDThin); !ok {
		return nil, 0, fmt.Errorf("svd of measurement matrix of beat %d failed", beat)
	}
	rank := 0
	for _, v := range svd.Values(nil) {
		if v > pseudoInverseTolerance {
			rank++
		}
	}
	if rank == 0 {
		return nil, 0, fmt.Errorf("measurement matrix of beat %d has rank 0", beat)
	}
	p.svd[beat], p.rank[beat] = &svd, rank
	return &svd, rank, nil
}

// Step estimates the states of (beat, step) directly from the observed
// measurements and refreshes the predicted measurements and residuals.
func (p *PseudoInverse) Step(est *Estimations, fd *model.FunctionalDescription, data *Data, beat, step int) error {
	svd, rank, err := p.factorize(fd, beat)
	if err != nil {
		return err
	}
	y := data.Measurement(beat, step)
	b := mat.NewDense(len(y), 1, float32To64(y))
	var x mat.Dense
	svd.SolveTo(&x, b, rank)

	states := est.StatesAt(step)
	for s := range states {
		states[s] = float32(x.At(s, 0))
	}
	PredictMeasurements(est, fd, beat, step)
	CalculateResiduals(est, data, beat, step)
	return nil
}
