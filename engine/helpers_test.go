package engine

import (
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/model"
)

// gridScenario simulates data from a small grid and returns the true
// model together with the data.
func gridScenario(t *testing.T, steps, beats int) (*model.FunctionalDescription, *Data) {
	t.Helper()
	truth, err := model.NewGrid(config.DefaultModel(), steps, beats)
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	data, err := Simulate(truth, steps, 0, 1)
	if err != nil {
		t.Fatalf("Simulate failed: %v", err)
	}
	return truth, data
}

// pairModel builds two voxels connected along x with one-sample delays,
// so every tap reads the previous step directly.
func pairModel(t *testing.T, steps int) *model.FunctionalDescription {
	t.Helper()
	const sensors = 4
	desc, err := model.NewFunctionalDescription(6, sensors, steps, 1)
	if err != nil {
		t.Fatal(err)
	}
	ap := desc.AP
	plusX, _ := model.OffsetToDelayIndex(1, 0, 0)
	minusX, _ := model.OffsetToDelayIndex(-1, 0, 0)
	rng := rand.New(rand.NewSource(3))
	connect := func(v, dir, w int) {
		ap.Delays.Data[v*model.NumDirections+dir] = 1
		ap.Coefs.Data[v*model.NumDirections+dir] = 0.2 + 0.5*rng.Float32()
		for d := 0; d < 3; d++ {
			for k := 0; k < 3; k++ {
				i := (3*v+d)*model.NumOffsets + 3*dir + k
				ap.OutputStateIndices.Data[i] = int32(3*w + k)
				ap.Gains.Data[i] = 0.6*rng.Float32() - 0.3
			}
		}
	}
	connect(0, plusX, 1)
	connect(1, minusX, 0)
	ap.StoreInitialDelays()

	for i := range desc.MeasurementMatrix.Data {
		desc.MeasurementMatrix.Data[i] = float32(rng.NormFloat64())
	}
	desc.ControlMatrix.Data[0] = 1
	desc.ControlMatrix.Data[1] = 0.5
	desc.ControlMatrix.Data[2] = -0.25
	desc.ControlFunctionValues.Data[0] = 1
	desc.ProcessCovariance.Fill(1e-3)
	desc.MeasurementCovariance.Fill(1e-2)
	if err := desc.Validate(); err != nil {
		t.Fatalf("pair model invalid: %v", err)
	}
	return desc
}

func randomData(beats, steps, sensors, states int, seed int64) *Data {
	data := NewData(beats, steps, sensors, states)
	rng := rand.New(rand.NewSource(seed))
	for i := range data.Measurements.Data {
		data.Measurements.Data[i] = float32(rng.NormFloat64())
	}
	return data
}

func testAlgorithm() config.Algorithm {
	cfg := config.DefaultAlgorithm()
	cfg.Epochs = 3
	cfg.Workers = 1
	return cfg
}

func closeTo(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Abs(b))
}

func allZero(data []float32) bool {
	for _, v := range data {
		if v != 0 {
			return false
		}
	}
	return true
}
