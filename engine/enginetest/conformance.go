// Package enginetest holds the property suite every engine.Backend must
// pass. The CPU backend is the reference the others are compared with.
package enginetest

import (
	"math"
	"testing"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/engine"
	"github.com/openfluke/cardioloom/model"
)

// Factory builds a backend for a run of fd against data.
type Factory func(fd *model.FunctionalDescription, data *engine.Data, cfg *config.Algorithm) (engine.Backend, error)

// Tolerances for comparing a backend against the CPU reference.
const (
	GainTolerance = 1e-5
	CoefTolerance = 1e-3
)

// Scenario is a simulated data set with a perturbed starting model.
type Scenario struct {
	Truth *model.FunctionalDescription
	Start *model.FunctionalDescription
	Data  *engine.Data
}

// NewScenario simulates data from the default grid and starts the
// estimation from the true model with all gains scaled by gainFactor.
func NewScenario(t *testing.T, steps, beats int, gainFactor float32) *Scenario {
	t.Helper()
	return NewScenarioFromModel(t, config.DefaultModel(), steps, beats, gainFactor)
}

// NewScenarioFromModel is NewScenario on the grid described by mcfg.
func NewScenarioFromModel(t *testing.T, mcfg config.Model, steps, beats int, gainFactor float32) *Scenario {
	t.Helper()
	truth, err := model.NewGrid(mcfg, steps, beats)
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	data, err := engine.Simulate(truth, steps, 0, 1)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	start := truth.Clone()
	for i := range start.AP.Gains.Data {
		start.AP.Gains.Data[i] *= gainFactor
	}
	return &Scenario{Truth: truth, Start: start, Data: data}
}

// Algorithm returns the configuration the suite runs with.
func Algorithm(epochs int) config.Algorithm {
	cfg := config.DefaultAlgorithm()
	cfg.Epochs = epochs
	cfg.LearningRate = 1.0
	cfg.Workers = 1
	return cfg
}

func run(t *testing.T, factory Factory, fd *model.FunctionalDescription, data *engine.Data, cfg *config.Algorithm) *engine.Results {
	t.Helper()
	b, err := factory(fd, data, cfg)
	if err != nil {
		t.Fatalf("backend construction failed: %v", err)
	}
	defer b.Close()
	r, err := engine.Run(b, cfg)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return r
}

// Run executes every property against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("LossDecreases", func(t *testing.T) { LossDecreases(t, factory) })
	t.Run("LossDecreasesWithDelays", func(t *testing.T) { LossDecreasesWithDelays(t, factory) })
	t.Run("ZeroLearningRateIsNoOp", func(t *testing.T) { ZeroLearningRateIsNoOp(t, factory) })
	t.Run("ZeroLearningRateKeepsWholeSampleDelays", func(t *testing.T) { ZeroLearningRateKeepsWholeSampleDelays(t, factory) })
	t.Run("TruthHasZeroLoss", func(t *testing.T) { TruthHasZeroLoss(t, factory) })
	t.Run("MatchesCPU", func(t *testing.T) { MatchesCPU(t, factory) })
	t.Run("MatchesCPUWithBatchesAndAdam", func(t *testing.T) { MatchesCPUWithBatchesAndAdam(t, factory) })
}

// LossDecreases checks loss_batch[i] > loss_batch[i+1] over three epochs
// with learning rate 1.
func LossDecreases(t *testing.T, factory Factory) {
	sc := NewScenario(t, 50, 1, 0.5)
	cfg := Algorithm(3)
	cfg.FreezeDelays = true
	r := run(t, factory, sc.Start, sc.Data, &cfg)

	loss := r.Metrics.LossBatch.Data
	for i := 0; i+1 < len(loss); i++ {
		if !(loss[i] > loss[i+1]) {
			t.Errorf("loss did not decrease between epoch %d and %d: %g -> %g", i, i+1, loss[i], loss[i+1])
		}
	}
}

// LossDecreasesWithDelays repeats LossDecreases with coefs and delays
// trained as well, once per coefficient derivative.
func LossDecreasesWithDelays(t *testing.T, factory Factory) {
	for _, d := range []config.APDerivative{config.Textbook, config.Simple} {
		t.Run(string(d), func(t *testing.T) {
			sc := NewScenario(t, 50, 1, 0.5)
			cfg := Algorithm(3)
			cfg.APDerivative = d
			r := run(t, factory, sc.Start, sc.Data, &cfg)

			loss := r.Metrics.LossBatch.Data
			for i := 0; i+1 < len(loss); i++ {
				if !(loss[i] > loss[i+1]) {
					t.Errorf("loss did not decrease between epoch %d and %d: %g -> %g", i, i+1, loss[i], loss[i+1])
				}
			}
		})
	}
}

// ZeroLearningRateIsNoOp checks that an epoch with learning rate 0 leaves
// all parameters unchanged.
func ZeroLearningRateIsNoOp(t *testing.T, factory Factory) {
	sc := NewScenario(t, 20, 2, 0.5)
	cfg := Algorithm(1)
	cfg.LearningRate = 0
	r := run(t, factory, sc.Start, sc.Data, &cfg)

	unchanged(t, r.Model.AP, sc.Start.AP)
}

// ZeroLearningRateKeepsWholeSampleDelays repeats ZeroLearningRateIsNoOp
// on a grid whose neighbour distances are a whole number of samples, so
// every coef starts on a roll bound.
func ZeroLearningRateKeepsWholeSampleDelays(t *testing.T, factory Factory) {
	mcfg := config.DefaultModel()
	mcfg.PropagationVelocityMPerS = 1.25
	sc := NewScenarioFromModel(t, mcfg, 20, 1, 0.5)
	cfg := Algorithm(1)
	cfg.LearningRate = 0
	r := run(t, factory, sc.Start, sc.Data, &cfg)
	unchanged(t, r.Model.AP, sc.Start.AP)
}

func unchanged(t *testing.T, ap, start *model.APParameters) {
	t.Helper()
	for i := range ap.Gains.Data {
		if ap.Gains.Data[i] != start.Gains.Data[i] {
			t.Fatalf("gain %d changed: %g -> %g", i, start.Gains.Data[i], ap.Gains.Data[i])
		}
	}
	for i := range ap.Coefs.Data {
		if ap.Coefs.Data[i] != start.Coefs.Data[i] || ap.Delays.Data[i] != start.Delays.Data[i] {
			t.Fatalf("coef/delay %d changed", i)
		}
	}
}

// TruthHasZeroLoss checks that the true model reproduces its own data.
func TruthHasZeroLoss(t *testing.T, factory Factory) {
	sc := NewScenario(t, 30, 1, 1)
	cfg := Algorithm(1)
	r := run(t, factory, sc.Truth, sc.Data, &cfg)
	if loss := r.Metrics.LossBatch.Data[0]; loss > 1e-8 {
		t.Errorf("true model has loss %g", loss)
	}
}

// MatchesCPU compares parameters after several epochs with the CPU
// reference.
func MatchesCPU(t *testing.T, factory Factory) {
	sc := NewScenario(t, 40, 2, 0.5)
	cfg := Algorithm(3)
	compare(t, factory, sc, &cfg)
}

// MatchesCPUWithBatchesAndAdam repeats the comparison with mini-batches,
// Adam, the simple coefficient derivative and all regularizations.
func MatchesCPUWithBatchesAndAdam(t *testing.T, factory Factory) {
	sc := NewScenario(t, 30, 3, 0.5)
	cfg := Algorithm(2)
	cfg.LearningRate = 5e-5
	cfg.BatchSize = 2
	cfg.Optimizer = config.Adam
	cfg.APDerivative = config.Simple
	cfg.MaximumRegularizationStrength = 0.1
	cfg.MaximumRegularizationThreshold = 0.5
	cfg.SmoothnessRegularizationStrength = 1e-3
	cfg.DifferenceRegularizationStrength = 1e-3
	compare(t, factory, sc, &cfg)
}

func compare(t *testing.T, factory Factory, sc *Scenario, cfg *config.Algorithm) {
	t.Helper()
	cpu := run(t, func(fd *model.FunctionalDescription, data *engine.Data, cfg *config.Algorithm) (engine.Backend, error) {
		return engine.NewCPUBackend(fd, data, cfg)
	}, sc.Start, sc.Data, cfg)
	other := run(t, factory, sc.Start, sc.Data, cfg)

	a, b := cpu.Model.AP, other.Model.AP
	for i := range a.Gains.Data {
		if !within(a.Gains.Data[i], b.Gains.Data[i], GainTolerance) {
			t.Fatalf("gain %d: cpu %g, other %g", i, a.Gains.Data[i], b.Gains.Data[i])
		}
	}
	for i := range a.Coefs.Data {
		if !within(a.Coefs.Data[i], b.Coefs.Data[i], CoefTolerance) {
			t.Fatalf("coef %d: cpu %g, other %g", i, a.Coefs.Data[i], b.Coefs.Data[i])
		}
		if a.Delays.Data[i] != b.Delays.Data[i] {
			t.Fatalf("delay %d: cpu %d, other %d", i, a.Delays.Data[i], b.Delays.Data[i])
		}
	}
	la, lb := cpu.Metrics.LossBatch.Data, other.Metrics.LossBatch.Data
	for i := range la {
		if !within(la[i], lb[i], 1e-3) {
			t.Errorf("loss batch %d: cpu %g, other %g", i, la[i], lb[i])
		}
	}
}

func within(a, b float32, tol float64) bool {
	return math.Abs(float64(a-b)) <= tol*math.Max(1, math.Abs(float64(a)))
}
