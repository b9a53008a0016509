package engine

import (
	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/model"
)

// Metrics holds the loss time series of a run. Step series are indexed by
// epoch*steps+step and are not split by beat: each beat overwrites the
// slot, so after an epoch it holds the last beat visited. Every beat still
// counts towards the batch series, indexed by epoch*batchesPerEpoch+batch.
type Metrics struct {
	Loss                      *model.Tensor[float32] `json:"loss"`
	LossMSE                   *model.Tensor[float32] `json:"loss_mse"`
	LossMaximumRegularization *model.Tensor[float32] `json:"loss_maximum_regularization"`

	LossBatch                      *model.Tensor[float32] `json:"loss_batch"`
	LossMSEBatch                   *model.Tensor[float32] `json:"loss_mse_batch"`
	LossMaximumRegularizationBatch *model.Tensor[float32] `json:"loss_maximum_regularization_batch"`
	LossSmoothnessBatch            *model.Tensor[float32] `json:"loss_smoothness_batch"`
	LossDifferenceBatch            *model.Tensor[float32] `json:"loss_difference_batch"`

	Steps           int `json:"steps"`
	BatchesPerEpoch int `json:"batches_per_epoch"`

	sumLoss, sumMSE, sumMaxReg float32
	count                      int
}

// BatchesPerEpoch returns the number of parameter updates per epoch.
func BatchesPerEpoch(cfg *config.Algorithm, beats int) int {
	if cfg.BatchSize <= 0 || cfg.BatchSize >= beats {
		return 1
	}
	return (beats + cfg.BatchSize - 1) / cfg.BatchSize
}

// NewMetrics allocates the series for a run.
func NewMetrics(epochs, steps, batchesPerEpoch int) *Metrics {
	if epochs < 1 {
		epochs = 1
	}
	batches := epochs * batchesPerEpoch
	return &Metrics{
		Loss:                           model.NewTensor[float32](epochs * steps),
		LossMSE:                        model.NewTensor[float32](epochs * steps),
		LossMaximumRegularization:      model.NewTensor[float32](epochs * steps),
		LossBatch:                      model.NewTensor[float32](batches),
		LossMSEBatch:                   model.NewTensor[float32](batches),
		LossMaximumRegularizationBatch: model.NewTensor[float32](batches),
		LossSmoothnessBatch:            model.NewTensor[float32](batches),
		LossDifferenceBatch:            model.NewTensor[float32](batches),
		Steps:                          steps,
		BatchesPerEpoch:                batchesPerEpoch,
	}
}

// CalculateStep records the loss of one step and adds it to the running
// batch accumulators.
func (m *Metrics) CalculateStep(residuals []float32, maximumRegularizationSum float32, cfg *config.Algorithm, epoch, step int) {
	var mse float32
	for _, r := range residuals {
		mse += r * r
	}
	mse /= float32(len(residuals))

	loss := cfg.MSEStrength*mse + cfg.MaximumRegularizationStrength*maximumRegularizationSum

	idx := epoch*m.Steps + step
	m.LossMSE.Data[idx] = mse
	m.LossMaximumRegularization.Data[idx] = maximumRegularizationSum
	m.Loss.Data[idx] = loss

	m.sumLoss += loss
	m.sumMSE += mse
	m.sumMaxReg += maximumRegularizationSum
	m.count++
}

// CalculateBatch closes the running batch: step losses are averaged and
// the batch-level regularization penalties are added.
func (m *Metrics) CalculateBatch(d *Derivatives, epoch, batch int) {
	idx := epoch*m.BatchesPerEpoch + batch
	if idx >= m.LossBatch.Size() {
		return
	}
	n := float32(m.count)
	if n == 0 {
		n = 1
	}
	m.LossMSEBatch.Data[idx] = m.sumMSE / n
	m.LossMaximumRegularizationBatch.Data[idx] = m.sumMaxReg / n
	m.LossSmoothnessBatch.Data[idx] = d.SmoothnessRegularizationSum
	m.LossDifferenceBatch.Data[idx] = d.DifferenceRegularizationSum
	m.LossBatch.Data[idx] = m.sumLoss/n + d.SmoothnessRegularizationSum + d.DifferenceRegularizationSum

	m.sumLoss, m.sumMSE, m.sumMaxReg = 0, 0, 0
	m.count = 0
}

// EpochLoss returns the mean batch loss of epoch.
func (m *Metrics) EpochLoss(epoch int) float32 {
	var sum float32
	for b := 0; b < m.BatchesPerEpoch; b++ {
		sum += m.LossBatch.Data[epoch*m.BatchesPerEpoch+b]
	}
	return sum / float32(m.BatchesPerEpoch)
}
