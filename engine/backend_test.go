package engine

import (
	"path/filepath"
	"testing"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/model"
)

func runCPU(t *testing.T, fd *model.FunctionalDescription, data *Data, cfg *config.Algorithm) *Results {
	t.Helper()
	b, err := NewCPUBackend(fd, data, cfg)
	if err != nil {
		t.Fatalf("NewCPUBackend failed: %v", err)
	}
	defer b.Close()
	r, err := Run(b, cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return r
}

func TestGainsOnlyLossDecreases(t *testing.T) {
	truth, data := gridScenario(t, 50, 1)
	start := truth.Clone()
	for i := range start.AP.Gains.Data {
		start.AP.Gains.Data[i] *= 0.5
	}
	cfg := testAlgorithm()
	cfg.FreezeDelays = true

	r := runCPU(t, start, data, &cfg)
	loss := r.Metrics.LossBatch.Data
	if len(loss) != 3 {
		t.Fatalf("expected 3 batch losses, got %d", len(loss))
	}
	for i := 0; i+1 < len(loss); i++ {
		if !(loss[i] > loss[i+1]) {
			t.Errorf("loss did not decrease at epoch %d: %g -> %g", i, loss[i], loss[i+1])
		}
	}
	for i := range r.Model.AP.Coefs.Data {
		if r.Model.AP.Coefs.Data[i] != start.AP.Coefs.Data[i] {
			t.Fatalf("frozen coef %d changed", i)
		}
	}
}

func TestStartModelIsNotMutated(t *testing.T) {
	truth, data := gridScenario(t, 20, 1)
	start := truth.Clone()
	start.AP.Gains.Data[0] += 0.1
	before := start.AP.Gains.Data[0]

	cfg := testAlgorithm()
	runCPU(t, start, data, &cfg)
	if start.AP.Gains.Data[0] != before {
		t.Errorf("caller model was modified")
	}
}

func TestTruthModelHasZeroLoss(t *testing.T) {
	truth, data := gridScenario(t, 30, 2)
	cfg := testAlgorithm()
	cfg.Epochs = 1
	r := runCPU(t, truth, data, &cfg)
	for i, v := range r.Metrics.LossMSE.Data {
		if v > 1e-10 {
			t.Fatalf("step %d has mse %g for the true model", i, v)
		}
	}
}

func TestMiniBatches(t *testing.T) {
	truth, data := gridScenario(t, 10, 3)
	cfg := testAlgorithm()
	cfg.Epochs = 2
	cfg.BatchSize = 2

	r := runCPU(t, truth, data, &cfg)
	if r.Metrics.BatchesPerEpoch != 2 {
		t.Fatalf("expected 2 batches per epoch, got %d", r.Metrics.BatchesPerEpoch)
	}
	if got := r.Metrics.LossBatch.Size(); got != 4 {
		t.Errorf("expected 4 batch losses, got %d", got)
	}
}

func TestShuffleIsSeeded(t *testing.T) {
	truth, data := gridScenario(t, 10, 4)
	start := truth.Clone()
	for i := range start.AP.Gains.Data {
		start.AP.Gains.Data[i] *= 0.8
	}
	cfg := testAlgorithm()
	cfg.ShuffleBeats = true
	cfg.BatchSize = 1

	a := runCPU(t, start, data, &cfg)
	b := runCPU(t, start, data, &cfg)
	for i := range a.Model.AP.Gains.Data {
		if a.Model.AP.Gains.Data[i] != b.Model.AP.Gains.Data[i] {
			t.Fatalf("gain %d differs between runs with the same seed", i)
		}
	}
}

func TestAdamRuns(t *testing.T) {
	truth, data := gridScenario(t, 20, 1)
	start := truth.Clone()
	for i := range start.AP.Gains.Data {
		start.AP.Gains.Data[i] *= 0.5
	}
	cfg := testAlgorithm()
	cfg.Optimizer = config.Adam
	cfg.LearningRate = 1e-3

	r := runCPU(t, start, data, &cfg)
	adam, ok := r.Derivatives.Optimizers.Gains.(*model.AdamOptimizer)
	if !ok {
		t.Fatalf("expected Adam optimizer, got %s", r.Derivatives.Optimizers.Gains.Name())
	}
	if adam.StepCount() != cfg.Epochs {
		t.Errorf("expected %d Adam steps, got %d", cfg.Epochs, adam.StepCount())
	}
}

func TestPseudoInverseLeavesParameters(t *testing.T) {
	truth, data := gridScenario(t, 10, 1)
	cfg := testAlgorithm()
	cfg.AlgorithmType = config.PseudoInverse
	cfg.Epochs = 1

	r := runCPU(t, truth, data, &cfg)
	for i := range truth.AP.Gains.Data {
		if r.Model.AP.Gains.Data[i] != truth.AP.Gains.Data[i] {
			t.Fatalf("pseudo inverse modified gain %d", i)
		}
	}
	// 8 sensors cannot resolve 24 states, but the fit of the measurements
	// themselves is exact.
	for i, v := range r.Metrics.LossMSE.Data {
		if v > 1e-6 {
			t.Errorf("step %d has mse %g", i, v)
		}
	}
}

func TestKalmanAndSystemUpdateRun(t *testing.T) {
	truth, data := gridScenario(t, 20, 1)
	start := truth.Clone()
	for i := range start.AP.Gains.Data {
		start.AP.Gains.Data[i] *= 0.7
	}
	cfg := testAlgorithm()
	cfg.UpdateKalmanGain = true
	cfg.ApplySystemUpdate = true
	cfg.ConstrainSystemStates = true

	r := runCPU(t, start, data, &cfg)
	for i, v := range r.Metrics.LossBatch.Data {
		if v != v {
			t.Fatalf("batch loss %d is NaN", i)
		}
	}
}

func TestSnapshots(t *testing.T) {
	truth, data := gridScenario(t, 10, 1)
	cfg := testAlgorithm()
	cfg.Epochs = 4
	cfg.SnapshotsInterval = 2

	r := runCPU(t, truth, data, &cfg)
	if len(r.Snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(r.Snapshots))
	}
	if r.Snapshots[0].Epoch != 1 || r.Snapshots[1].Epoch != 3 {
		t.Errorf("unexpected snapshot epochs %d, %d", r.Snapshots[0].Epoch, r.Snapshots[1].Epoch)
	}
	if len(r.Snapshots[0].Gains) != truth.AP.Gains.Size() {
		t.Errorf("snapshot has %d gains", len(r.Snapshots[0].Gains))
	}
}

func TestResultsRoundTrip(t *testing.T) {
	truth, data := gridScenario(t, 10, 1)
	cfg := testAlgorithm()
	cfg.Epochs = 1
	r := runCPU(t, truth, data, &cfg)

	filename := filepath.Join(t.TempDir(), "results.json")
	if err := r.SaveJSON(filename); err != nil {
		t.Fatalf("SaveJSON failed: %v", err)
	}
	loaded, err := LoadResults(filename)
	if err != nil {
		t.Fatalf("LoadResults failed: %v", err)
	}
	if loaded.ID != r.ID {
		t.Errorf("id mismatch: %s vs %s", loaded.ID, r.ID)
	}
	if loaded.Steps != r.Steps || loaded.Beats != r.Beats {
		t.Errorf("dimensions lost")
	}
	for i := range r.Model.AP.Gains.Data {
		if loaded.Model.AP.Gains.Data[i] != r.Model.AP.Gains.Data[i] {
			t.Fatalf("gain %d differs after reload", i)
		}
	}
}

func TestCompareTo(t *testing.T) {
	truth, data := gridScenario(t, 10, 1)
	cfg := testAlgorithm()
	cfg.Epochs = 1
	cfg.LearningRate = 0
	r := runCPU(t, truth, data, &cfg)

	d, err := r.CompareTo(truth)
	if err != nil {
		t.Fatal(err)
	}
	if d.GainsMAE != 0 || d.AverageDelaysMAE != 0 {
		t.Errorf("expected zero deltas, got gains %g delays %g", d.GainsMAE, d.AverageDelaysMAE)
	}

	other, err := model.NewFunctionalDescription(6, truth.NumSensors(), 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.CompareTo(other); err == nil {
		t.Errorf("expected shape mismatch error")
	}
}

func TestDimensionMismatch(t *testing.T) {
	truth, _ := gridScenario(t, 10, 1)
	data := randomData(2, 10, truth.NumSensors(), truth.NumStates(), 1)
	cfg := testAlgorithm()
	if _, err := NewCPUBackend(truth, data, &cfg); err == nil {
		t.Errorf("expected beat count mismatch")
	}
}

func TestLargeGridDoesNotCrash(t *testing.T) {
	if testing.Short() {
		t.Skip("large grid skipped in short mode")
	}
	mcfg := config.DefaultModel()
	mcfg.VoxelsX, mcfg.VoxelsY, mcfg.VoxelsZ = 10, 10, 10
	mcfg.Sensors = 300
	const steps, beats = 3, 10
	truth, err := model.NewGrid(mcfg, steps, beats)
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	data, err := Simulate(truth, steps, 0.01, 5)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	for _, kind := range []config.AlgorithmType{config.ModelBased, config.PseudoInverse} {
		cfg := config.DefaultAlgorithm()
		cfg.AlgorithmType = kind
		cfg.Epochs = 1
		runCPU(t, truth, data, &cfg)
	}
}
