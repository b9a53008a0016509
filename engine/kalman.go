package engine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/cardioloom/model"
)

// kalmanConvergenceThreshold bounds the squared change of the gain
// matrix below which the gain is frozen.
const kalmanConvergenceThreshold = 1e-6

const covStride = 1 + model.NumOffsets

// PredictStateCovariance propagates the sparse state covariance through
// the linearized all-pass network. A unit-magnitude all-pass section
// passes variance unchanged, so only the gains scale it:
//
//	P_pred[s,s]  = Q[s] + sum_o g[s,o]^2 * P_est[up,up]
//	P_pred[s,up] = g[s,o] * P_est[up,up]
func PredictStateCovariance(est *Estimations, fd *model.FunctionalDescription) {
	ap := fd.AP
	n := est.NumStates()
	pred := est.StateCovariancePred.Data
	prev := est.StateCovarianceEst.Data
	osi := ap.OutputStateIndices.Data
	gains := ap.Gains.Data
	q := fd.ProcessCovariance.Data

	for s := 0; s < n; s++ {
		row := s * model.NumOffsets
		variance := q[s]
		for o := 0; o < model.NumOffsets; o++ {
			up := osi[row+o]
			if up == model.NoState {
				pred[s*covStride+1+o] = 0
				continue
			}
			g := gains[row+o]
			upVar := prev[int(up)*covStride]
			variance += g * g * upVar
			pred[s*covStride+1+o] = g * upVar
		}
		pred[s*covStride] = variance
	}
}

func (e *Estimations) workspace() *kalmanWorkspace {
	if e.kalman == nil {
		n, m := e.NumStates(), e.NumSensors()
		e.kalman = &kalmanWorkspace{
			pht:  mat.NewDense(n, m, nil),
			s:    mat.NewDense(m, m, nil),
			sInv: mat.NewDense(m, m, nil),
			k:    mat.NewDense(n, m, nil),
		}
	}
	return e.kalman
}

// CalculateSInv computes the innovation covariance S = H P_pred H^T + R
// of beat and its inverse.
func CalculateSInv(est *Estimations, fd *model.FunctionalDescription, beat int) error {
	ws := est.workspace()
	n, m := est.NumStates(), est.NumSensors()
	h := fd.Measurement(beat)
	pred := est.StateCovariancePred.Data
	osi := fd.AP.OutputStateIndices.Data

	// P_pred * H^T from the sparse rows of P_pred.
	for s := 0; s < n; s++ {
		row := s * model.NumOffsets
		for j := 0; j < m; j++ {
			hj := h[j*n : (j+1)*n]
			v := float64(pred[s*covStride]) * float64(hj[s])
			for o := 0; o < model.NumOffsets; o++ {
				up := osi[row+o]
				if up == model.NoState {
					continue
				}
				v += float64(pred[s*covStride+1+o]) * float64(hj[up])
			}
			ws.pht.Set(s, j, v)
		}
	}

	hm := mat.NewDense(m, n, float32To64(h))
	ws.s.Mul(hm, ws.pht)
	for j, r := range fd.MeasurementCovariance.Data {
		ws.s.Set(j, j, ws.s.At(j, j)+float64(r))
	}
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			est.InnovationCovariance.Data[i*m+j] = float32(ws.s.At(i, j))
		}
	}
	if err := ws.sInv.Inverse(ws.s); err != nil {
		return fmt.Errorf("%w: %v", ErrSingularInnovation, err)
	}
	return nil
}

// CalculateK computes the Kalman gain K = P_pred H^T S^-1 into the model.
func CalculateK(est *Estimations, fd *model.FunctionalDescription) {
	ws := est.workspace()
	ws.k.Mul(ws.pht, ws.sInv)
	n, m := est.NumStates(), est.NumSensors()
	k := fd.KalmanGain.Data
	for s := 0; s < n; s++ {
		for j := 0; j < m; j++ {
			k[s*m+j] = float32(ws.k.At(s, j))
		}
	}
}

// EstimateStateCovariance computes P_est = (I - K H) P_pred on the sparse
// pattern, using (H P_pred)[j,v] = (P_pred H^T)[v,j].
func EstimateStateCovariance(est *Estimations, fd *model.FunctionalDescription) {
	ws := est.workspace()
	n, m := est.NumStates(), est.NumSensors()
	pred := est.StateCovariancePred.Data
	out := est.StateCovarianceEst.Data
	osi := fd.AP.OutputStateIndices.Data

	dot := func(s, v int) float64 {
		var sum float64
		for j := 0; j < m; j++ {
			sum += ws.k.At(s, j) * ws.pht.At(v, j)
		}
		return sum
	}
	for s := 0; s < n; s++ {
		out[s*covStride] = pred[s*covStride] - float32(dot(s, s))
		row := s * model.NumOffsets
		for o := 0; o < model.NumOffsets; o++ {
			up := osi[row+o]
			if up == model.NoState {
				out[s*covStride+1+o] = 0
				continue
			}
			out[s*covStride+1+o] = pred[s*covStride+1+o] - float32(dot(s, int(up)))
		}
	}
}

// UpdateKalmanGainAndCheckConvergence recomputes the Kalman gain and
// freezes it once the squared change between two updates drops below
// the convergence threshold.
func UpdateKalmanGainAndCheckConvergence(est *Estimations, fd *model.FunctionalDescription, beat int) error {
	previous := fd.KalmanGain.Clone()

	PredictStateCovariance(est, fd)
	if err := CalculateSInv(est, fd, beat); err != nil {
		return err
	}
	CalculateK(est, fd)
	EstimateStateCovariance(est, fd)

	var diff float32
	for i, k := range fd.KalmanGain.Data {
		d := k - previous.Data[i]
		diff += d * d
	}
	if diff < kalmanConvergenceThreshold {
		est.KalmanGainConverged = true
	}
	return nil
}

// CalculateSystemUpdate corrects the states of step with the Kalman gain,
// x += K r, and refreshes the measurement prediction and post-update
// residuals.
func CalculateSystemUpdate(est *Estimations, fd *model.FunctionalDescription, data *Data, beat, step int) {
	n, m := est.NumStates(), est.NumSensors()
	x := est.StatesAt(step)
	r := est.Residuals.Data
	k := fd.KalmanGain.Data
	for s := 0; s < n; s++ {
		var sum float32
		for j := 0; j < m; j++ {
			sum += k[s*m+j] * r[j]
		}
		x[s] += sum
	}
	PredictMeasurements(est, fd, beat, step)
	calculatePostUpdateResiduals(est, data, beat, step)
}

func float32To64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
