package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/chewxy/math32"
	"github.com/google/uuid"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/model"
)

// Results aggregates everything a run produces. Model is the estimated
// functional description and is mutated by parameter updates.
type Results struct {
	ID          uuid.UUID                    `json:"id"`
	Estimations *Estimations                 `json:"estimations"`
	Derivatives *Derivatives                 `json:"derivatives"`
	Metrics     *Metrics                     `json:"metrics"`
	Model       *model.FunctionalDescription `json:"model"`
	Snapshots   []Snapshot                   `json:"snapshots,omitempty"`

	Epochs int `json:"epochs"`
	Steps  int `json:"steps"`
	Beats  int `json:"beats"`
}

// Snapshot is a copy of the parameters taken between epochs.
type Snapshot struct {
	Epoch     int       `json:"epoch"`
	Gains     []float32 `json:"gains"`
	Coefs     []float32 `json:"coefs"`
	Delays    []int32   `json:"delays"`
	LossBatch float32   `json:"loss_batch"`
}

// NewResults allocates results for a run of fd against data. The model is
// cloned so the caller's description stays untouched.
func NewResults(fd *model.FunctionalDescription, data *Data, cfg *config.Algorithm) (*Results, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := fd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	steps, beats, sensors := data.NumSteps(), data.NumBeats(), data.NumSensors()
	if sensors != fd.NumSensors() {
		return nil, fmt.Errorf("%w: data has %d sensors, model %d", ErrDimensionMismatch, sensors, fd.NumSensors())
	}
	if beats != fd.NumBeats() {
		return nil, fmt.Errorf("%w: data has %d beats, model %d", ErrDimensionMismatch, beats, fd.NumBeats())
	}
	states := fd.NumStates()
	d, err := NewDerivatives(states, cfg.Optimizer)
	if err != nil {
		return nil, err
	}
	return &Results{
		ID:          uuid.New(),
		Estimations: NewEstimations(states, sensors, steps, beats),
		Derivatives: d,
		Metrics:     NewMetrics(cfg.Epochs, steps, BatchesPerEpoch(cfg, beats)),
		Model:       fd.Clone(),
		Epochs:      cfg.Epochs,
		Steps:       steps,
		Beats:       beats,
	}, nil
}

// Snapshot copies the current parameters.
func (r *Results) Snapshot(epoch int) Snapshot {
	ap := r.Model.AP
	return Snapshot{
		Epoch:     epoch,
		Gains:     append([]float32(nil), ap.Gains.Data...),
		Coefs:     append([]float32(nil), ap.Coefs.Data...),
		Delays:    append([]int32(nil), ap.Delays.Data...),
		LossBatch: r.Metrics.EpochLoss(epoch),
	}
}

// AverageDelays returns delay + fractional all-pass delay per voxel and
// direction of the estimated model.
func (r *Results) AverageDelays() *model.Tensor[float32] {
	ap := r.Model.AP
	out := model.NewTensor[float32](ap.Coefs.Shape...)
	for i := range out.Data {
		out.Data[i] = ap.AverageDelay(i)
	}
	return out
}

// Deltas are the differences between the estimated and a reference model.
type Deltas struct {
	Gains         *model.Tensor[float32] `json:"gains"`
	Coefs         *model.Tensor[float32] `json:"coefs"`
	Delays        *model.Tensor[int32]   `json:"delays"`
	AverageDelays *model.Tensor[float32] `json:"average_delays"`
	// GainsMAE and AverageDelaysMAE are mean absolute errors over the
	// connected taps.
	GainsMAE         float32 `json:"gains_mae"`
	AverageDelaysMAE float32 `json:"average_delays_mae"`
}

// CompareTo returns the parameter deltas (estimated minus reference).
func (r *Results) CompareTo(ref *model.FunctionalDescription) (*Deltas, error) {
	est, truth := r.Model.AP, ref.AP
	if !est.Gains.SameShape(truth.Gains.Shape) || !est.Coefs.SameShape(truth.Coefs.Shape) {
		return nil, fmt.Errorf("%w: reference model has different shape", ErrDimensionMismatch)
	}
	d := &Deltas{
		Gains:         model.NewTensor[float32](est.Gains.Shape...),
		Coefs:         model.NewTensor[float32](est.Coefs.Shape...),
		Delays:        model.NewTensor[int32](est.Delays.Shape...),
		AverageDelays: model.NewTensor[float32](est.Coefs.Shape...),
	}
	var gainCount, delayCount int
	for i := range est.Gains.Data {
		d.Gains.Data[i] = est.Gains.Data[i] - truth.Gains.Data[i]
		if truth.OutputStateIndices.Data[i] != model.NoState {
			d.GainsMAE += math32.Abs(d.Gains.Data[i])
			gainCount++
		}
	}
	for i := range est.Coefs.Data {
		d.Coefs.Data[i] = est.Coefs.Data[i] - truth.Coefs.Data[i]
		d.Delays.Data[i] = est.Delays.Data[i] - truth.Delays.Data[i]
		d.AverageDelays.Data[i] = est.AverageDelay(i) - truth.AverageDelay(i)
		if truth.Connected(i/model.NumDirections, i%model.NumDirections) {
			d.AverageDelaysMAE += math32.Abs(d.AverageDelays.Data[i])
			delayCount++
		}
	}
	if gainCount > 0 {
		d.GainsMAE /= float32(gainCount)
	}
	if delayCount > 0 {
		d.AverageDelaysMAE /= float32(delayCount)
	}
	return d, nil
}

// SaveJSON writes the results as indented JSON.
func (r *Results) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadResults reads results written by SaveJSON.
func LoadResults(filename string) (*Results, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var r Results
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	return &r, nil
}
